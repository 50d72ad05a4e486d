package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smysle/kkphim-sync-go/internal/config"
)

func TestNew_WithoutToken(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TelegramConfig
	}{
		{"未配置", config.TelegramConfig{}},
		{"缺少 owner", config.TelegramConfig{Token: "123:abc"}},
		{"缺少 token", config.TelegramConfig{OwnerID: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, ok := n.(Nop); !ok {
				t.Errorf("New() = %T, want Nop", n)
			}
			if err := n.Notify(context.Background(), "x"); err != nil {
				t.Errorf("Nop.Notify() error = %v", err)
			}
		})
	}
}

func TestTelegram_Notify(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	}))
	defer srv.Close()

	n, err := NewTelegram(config.TelegramConfig{Token: "123:abc", OwnerID: 42, APIURL: srv.URL}, true)
	if err != nil {
		t.Fatalf("NewTelegram() error = %v", err)
	}

	if err := n.Notify(context.Background(), "📥 全量同步完成"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if !strings.HasSuffix(gotPath, "/bot123:abc/sendMessage") {
		t.Errorf("请求路径 = %s", gotPath)
	}
	if gotBody["chat_id"] != "42" {
		t.Errorf("chat_id = %v, want 42", gotBody["chat_id"])
	}
	if gotBody["text"] != "📥 全量同步完成" {
		t.Errorf("text = %v", gotBody["text"])
	}
}

func TestTelegram_NotifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	n, err := NewTelegram(config.TelegramConfig{Token: "123:abc", OwnerID: 42, APIURL: srv.URL}, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Error("Telegram 返回错误时 Notify 应返回错误")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, "x"); err == nil {
		t.Error("ctx 已取消时应返回错误")
	}

	// Send 只记录日志
	Send(context.Background(), n, "x")
	Send(context.Background(), nil, "x")
}
