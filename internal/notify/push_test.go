package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotify_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != sendPath {
			t.Fatalf("path = %s, want %s", r.URL.Path, sendPath)
		}

		var msg pushMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.To != "ExponentPushToken[abc]" || msg.Title != "New order" || msg.Data["orderId"] != "12" {
			t.Fatalf("unexpected message: %+v", msg)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pushResponse{Data: PushTicket{Status: "ok", ID: "t-1"}})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Notify(ctx, "ExponentPushToken[abc]", "New order", "Order #12 assigned", map[string]string{"orderId": "12"})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}
}

func TestNotify_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	err := client.Notify(context.Background(), "token", "t", "b", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter < 5*time.Second {
		t.Fatalf("unexpected rate limit error: %v", err)
	}
}

func TestNotify_RejectedTicket(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pushResponse{Data: PushTicket{Status: "error", Message: "DeviceNotRegistered"}})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	if err := client.Notify(context.Background(), "token", "t", "b", nil); err == nil {
		t.Fatalf("expected error for rejected ticket")
	}
}

func TestNotify_NotConfigured(t *testing.T) {
	var client *Client
	if err := client.Notify(context.Background(), "token", "t", "b", nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) Notify(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	n.calls++
	return n.err
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	failing := &countingNotifier{err: errors.New("boom")}
	ok := &countingNotifier{}

	err := Multi{failing, ok}.Notify(context.Background(), "token", "t", "b", nil)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", failing.calls, ok.calls)
	}
}
