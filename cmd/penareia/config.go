package main

import (
	"errors"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"
)

type VideoConfig struct {
	Source        string `ini:"SOURCE"`
	BufferSeconds int    `ini:"BUFFER_SECONDS"`
	SaveSeconds   int    `ini:"SAVE_SECONDS"`
	ForceFPS      int    `ini:"FORCE_FPS"`
	MaxWidth      int    `ini:"MAX_WIDTH"`
	MaxHeight     int    `ini:"MAX_HEIGHT"`
}

type WebhookConfig struct {
	URL string `ini:"URL"`
}

type B2Config struct {
	KeyID          string `ini:"KEY_ID"`
	ApplicationKey string `ini:"APPLICATION_KEY"`
	BucketName     string `ini:"BUCKET_NAME"`
}

type ServerConfig struct {
	Host        string `ini:"HOST"`
	Port        int    `ini:"PORT"`
	Debug       bool   `ini:"DEBUG"`
	EnableMDNS  bool   `ini:"ENABLE_MDNS"`
	ServiceName string `ini:"SERVICE_NAME"`
	Threads     int    `ini:"THREADS"`
}

type EncodingConfig struct {
	Codec       string `ini:"CODEC"`
	AudioCodec  string `ini:"AUDIO_CODEC"`
	Preset      string `ini:"PRESET"`
	CRF         int    `ini:"CRF"`
	PixelFormat string `ini:"PIXEL_FORMAT"`
	Tune        string `ini:"TUNE"`
	Threads     int    `ini:"THREADS"`
	UseGPU      bool   `ini:"USE_GPU"`
}

type Config struct {
	Video    VideoConfig    `ini:"VIDEO"`
	Webhook  WebhookConfig  `ini:"WEBHOOK"`
	B2       B2Config       `ini:"BACKBLAZE_B2"`
	Server   ServerConfig   `ini:"SERVER"`
	Encoding EncodingConfig `ini:"VIDEO_ENCODING"`

	// Derived paths, filled in by Check.
	DataDir   string `ini:"-"`
	LogDir    string `ini:"-"`
	VideosDir string `ini:"-"`
}

const credentialPlaceholder = "your_key_id_here"

// defaultCRF keeps the encoder at the original deployment quality when
// the key is absent. CRF 0 is a legal (near-lossless) value, so absence
// must be detected on the parsed file, not on the zero value.
const defaultCRF = 23

// onEmbeddedHost reports whether this looks like the ARM deployment
// target, which uses system paths instead of the working directory.
func onEmbeddedHost() bool {
	return runtime.GOOS == "linux" && (runtime.GOARCH == "arm" || runtime.GOARCH == "arm64")
}

func LoadConfig(path string) (Config, error) {
	var config Config
	file, err := ini.Load(path)
	if err != nil {
		return config, err
	}
	if err := file.MapTo(&config); err != nil {
		return config, err
	}
	if !file.Section("VIDEO_ENCODING").HasKey("CRF") {
		config.Encoding.CRF = defaultCRF
	}
	if err := config.Check(); err != nil {
		return config, err
	}
	return config, nil
}

func (config *Config) Check() error {
	if config.Video.Source == "" {
		return errors.New("VIDEO.SOURCE config parameter is required")
	}
	if config.Video.BufferSeconds < 1 {
		return errors.New("VIDEO.BUFFER_SECONDS config parameter is required")
	}
	if config.Video.SaveSeconds < 1 {
		return errors.New("VIDEO.SAVE_SECONDS config parameter is required")
	}
	if config.Video.SaveSeconds > config.Video.BufferSeconds {
		return errors.New("VIDEO.SAVE_SECONDS must not exceed VIDEO.BUFFER_SECONDS")
	}
	if config.Video.ForceFPS < 1 {
		config.Video.ForceFPS = 24
	}
	if config.Video.MaxWidth < 1 {
		config.Video.MaxWidth = 1280
	}
	if config.Video.MaxHeight < 1 {
		config.Video.MaxHeight = 720
	}
	if config.Webhook.URL == "" {
		return errors.New("WEBHOOK.URL config parameter is required")
	}
	if config.B2.KeyID == "" || config.B2.KeyID == credentialPlaceholder {
		return errors.New("BACKBLAZE_B2.KEY_ID config parameter is required")
	}
	if config.B2.ApplicationKey == "" {
		return errors.New("BACKBLAZE_B2.APPLICATION_KEY config parameter is required")
	}
	if config.B2.BucketName == "" {
		return errors.New("BACKBLAZE_B2.BUCKET_NAME config parameter is required")
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return errors.New("SERVER.PORT must be between 1 and 65535")
	}
	if config.Encoding.Codec == "" {
		config.Encoding.Codec = "libx264"
	}
	if config.Encoding.AudioCodec == "" {
		config.Encoding.AudioCodec = "aac"
	}
	if config.Encoding.Preset == "" {
		config.Encoding.Preset = "ultrafast"
	}
	if config.Encoding.CRF < 0 || config.Encoding.CRF > 51 {
		return errors.New("VIDEO_ENCODING.CRF must be between 0 and 51")
	}
	if config.Encoding.PixelFormat == "" {
		config.Encoding.PixelFormat = "yuv420p"
	}
	if onEmbeddedHost() {
		config.DataDir = "/var/lib/penareia"
		config.LogDir = "/var/log"
	} else {
		config.DataDir = "./data"
		config.LogDir = "./logs"
	}
	config.VideosDir = filepath.Join(".", "videos")
	return nil
}
