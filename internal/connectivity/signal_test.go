package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalTransitionsOnlyOnChange(t *testing.T) {
	s := NewSignal(true)
	ch, cancel := s.Subscribe()
	defer cancel()

	assert.False(t, s.Set(true, "manual"))
	assert.True(t, s.Set(false, "manual"))
	assert.False(t, s.Online())

	select {
	case tr := <-ch:
		assert.False(t, tr.Online)
		assert.Equal(t, "manual", tr.Source)
	case <-time.After(time.Second):
		t.Fatal("expected transition")
	}
	select {
	case tr := <-ch:
		t.Fatalf("unexpected extra transition %+v", tr)
	default:
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	s := NewSignal(false)
	ch, cancel := s.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	s.Set(true, "manual")
}

func TestProberDrivesSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	s := NewSignal(false)
	p := &Prober{Signal: s, URL: u}
	assert.True(t, p.ProbeOnce(context.Background()), "any HTTP answer means reachable")
	assert.True(t, s.Online())

	srv.Close()
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, s.Online())
}
