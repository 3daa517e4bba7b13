package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookSendsFormFields(t *testing.T) {
	received := make(chan map[string]string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		received <- map[string]string{
			"arquivo":   r.PostFormValue("arquivo"),
			"url":       r.PostFormValue("url"),
			"data_hora": r.PostFormValue("data_hora"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(testLogger(), server.URL, server.Client())
	notifier.send(context.Background(), Notification{
		Arquivo:  "Penareia_24-08-2026_15-04-05.mp4",
		URL:      "https://f005.backblazeb2.com/file/test/Penareia_24-08-2026_15-04-05.mp4",
		DataHora: "2026-08-24 15:04:05",
	})

	select {
	case form := <-received:
		if form["arquivo"] != "Penareia_24-08-2026_15-04-05.mp4" {
			t.Errorf("unexpected arquivo %q", form["arquivo"])
		}
		if form["url"] == "" || form["data_hora"] != "2026-08-24 15:04:05" {
			t.Errorf("unexpected form %v", form)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook never received")
	}
}

func TestWebhookRejectionIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(testLogger(), server.URL, server.Client())
	// must not panic or surface anywhere
	notifier.send(context.Background(), Notification{Arquivo: "x.mp4"})
}

func TestNotifyThroughRun(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(testLogger(), server.URL, server.Client())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	notifier.Notify(ctx, Notification{Arquivo: "x.mp4"})
	select {
	case <-hits:
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}
