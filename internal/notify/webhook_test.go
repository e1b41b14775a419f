package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	secret := []byte("test-secret-key")
	body := []byte(`{"task_id":"t1","status":"succeeded"}`)
	sig := Sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    []byte
		wantErr   bool
	}{
		{"prefixed", body, sig, secret, false},
		{"plain hex", body, sig[len("sha256="):], secret, false},
		{"wrong signature", body, "sha256=" + strings.Repeat("0", 64), secret, true},
		{"tampered body", []byte(`{"task_id":"t2"}`), sig, secret, true},
		{"wrong secret", body, sig, []byte("other"), true},
		{"not hex", body, "sha256=zz", secret, true},
		{"empty signature", body, "", secret, true},
		{"empty secret", body, sig, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.body, tt.signature, tt.secret)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	require.NoError(t, err)

	payload := []byte(`{"task_id":"t1"}`)
	require.NoError(t, sink.Send(context.Background(), payload))
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "application/json", gotType)
	assert.NoError(t, Verify(gotBody, gotSig, []byte("s3cret")))
}

func TestWebhookSinkUnsignedAndErrors(t *testing.T) {
	var gotSig string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), []byte(`{}`)))
	assert.Empty(t, gotSig)

	status = http.StatusBadGateway
	err = sink.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	for _, bad := range []string{"", "ftp://host/x", "/relative", "http://"} {
		_, err := NewWebhookSink(WebhookConfig{URL: bad})
		assert.Error(t, err, bad)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &fakeSink{}
	broken := &fakeSink{err: errors.New("redis down")}

	err := Fanout{ok, broken}.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Len(t, ok.received(), 1, "healthy sinks still receive")

	assert.NoError(t, Fanout{ok}.Send(context.Background(), []byte("y")))
	assert.NoError(t, Fanout(nil).Send(context.Background(), []byte("z")))
}
