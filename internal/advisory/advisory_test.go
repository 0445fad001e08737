package advisory

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC)
	instruments := []string{"NIFTY25SEP23500CE", "NIFTY25SEP22500PE"}

	tests := []struct {
		name       string
		advisories []Advisory
		veto       bool
	}{
		{
			name: "critical global advisory vetoes",
			advisories: []Advisory{
				{ID: "a1", Severity: SeverityCritical, Scope: "*", Message: "event risk", IssuedAt: now.Unix()},
			},
			veto: true,
		},
		{
			name: "critical scoped advisory vetoes matching instrument",
			advisories: []Advisory{
				{ID: "a1", Severity: SeverityCritical, Scope: "NIFTY", IssuedAt: now.Unix()},
			},
			veto: true,
		},
		{
			name: "critical advisory for other underlying does not veto",
			advisories: []Advisory{
				{ID: "a1", Severity: SeverityCritical, Scope: "BANKNIFTY", IssuedAt: now.Unix()},
			},
			veto: false,
		},
		{
			name: "caution never vetoes",
			advisories: []Advisory{
				{ID: "a1", Severity: SeverityCaution, Scope: "*", IssuedAt: now.Unix()},
			},
			veto: false,
		},
		{
			name: "expired critical advisory does not veto",
			advisories: []Advisory{
				{ID: "a1", Severity: SeverityCritical, Scope: "*", IssuedAt: now.Add(-time.Hour).Unix(), TTLSec: 60},
			},
			veto: false,
		},
		{
			name:       "no advisories",
			advisories: nil,
			veto:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Evaluate(tt.advisories, instruments, now)
			assert.Equal(t, tt.veto, verdict.Veto)
			if tt.veto {
				assert.NotEmpty(t, verdict.Reason)
			}
		})
	}
}

func TestHTTPAdvisor_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a1","severity":"CRITICAL","scope":"*","message":"rbi policy day","issued_at":` +
			"9999999999" + `}]`))
	}))
	defer srv.Close()

	a := NewHTTPAdvisor(srv.URL, time.Second, log.New(io.Discard, "", 0))
	verdict := a.Check(context.Background(), []string{"NIFTY25SEP23500CE"})
	assert.True(t, verdict.Veto)
	assert.Contains(t, verdict.Reason, "rbi policy day")
}

func TestHTTPAdvisor_FeedDownIsNoOpinion(t *testing.T) {
	a := NewHTTPAdvisor("http://127.0.0.1:1", 50*time.Millisecond, log.New(io.Discard, "", 0))
	verdict := a.Check(context.Background(), []string{"NIFTY25SEP23500CE"})
	assert.False(t, verdict.Veto, "dead advisory feed must not block trading")
}

func TestHTTPAdvisor_BadPayloadIsNoOpinion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{broken`))
	}))
	defer srv.Close()

	a := NewHTTPAdvisor(srv.URL, time.Second, log.New(io.Discard, "", 0))
	verdict := a.Check(context.Background(), []string{"X"})
	assert.False(t, verdict.Veto)
}

func TestNone(t *testing.T) {
	verdict := None{}.Check(context.Background(), []string{"anything"})
	assert.False(t, verdict.Veto)
}
