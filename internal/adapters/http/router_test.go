package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

type askerFake struct {
	answer *domain.Answer
	err    error
	got    domain.Question
}

func (a *askerFake) Ask(_ context.Context, q domain.Question) (*domain.Answer, error) {
	a.got = q
	return a.answer, a.err
}

func TestAskEndpointReturnsAnswer(t *testing.T) {
	asker := &askerFake{answer: &domain.Answer{Text: "two rows matched", TraceID: "t-1"}}
	handler := NewRouter(asker, nil, nil).Handler()

	body := `{"question":"show me invoices over R500","user_id":"u1","history":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var answer domain.Answer
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if answer.Text != "two rows matched" || answer.TraceID != "t-1" {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if asker.got.UserID != "u1" || len(asker.got.History) != 1 {
		t.Fatalf("question not decoded: %+v", asker.got)
	}
}

func TestAskEndpointRejectsEmptyQuestion(t *testing.T) {
	handler := NewRouter(&askerFake{}, nil, nil).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAskEndpointMapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrTimeout, "ask", errors.New("slow")), http.StatusGatewayTimeout},
		{domain.WrapError(domain.ErrRefusal, "ask", errors.New("no")), http.StatusUnprocessableEntity},
		{domain.WrapError(domain.ErrTemporary, "ask", errors.New("later")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := NewRouter(&askerFake{err: tc.err}, nil, nil).Handler()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":"q"}`)))
		if rec.Code != tc.want {
			t.Fatalf("error %v mapped to %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := NewRouter(&askerFake{}, nil, nil).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ask", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
