package link

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/finsync/finsync/internal/vault"
)

var pageTemplate = template.Must(template.New("link").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Link an account</title>
  <script src="https://cdn.plaid.com/link/v2/stable/link-initialize.js"></script>
</head>
<body>
  <button id="link-button">Link account</button>
  <script>
    const state = {{.State}};
    const handler = Plaid.create({
      token: {{.LinkToken}},
      onSuccess: function (publicToken, metadata) {
        window.location = "/oauth-response?public_token=" + encodeURIComponent(publicToken) +
          "&state=" + encodeURIComponent(state);
      },
    });
    document.getElementById("link-button").onclick = function () { handler.open(); };
  </script>
</body>
</html>
`))

var donePage = []byte(`<!DOCTYPE html>
<html><body><p>Account linked. You can close this window.</p></body></html>
`)

// Every index visit creates a link token at Plaid.
var (
	indexRate    = rate.Every(2 * time.Second)
	callbackRate = rate.Every(time.Second)
)

const rateBurst = 5

type pageData struct {
	LinkToken string
	State     string
}

// Handler returns the session's HTTP routes
func (s *Session) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", limited(s.indexLimit, s.handleIndex))
	mux.HandleFunc("/oauth-response", limited(s.callbackLimit, s.handleCallback))
	return mux
}

// limited rejects requests beyond lim with 429
func limited(lim *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Session) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := s.linker.CreateLinkToken(r.Context(), s.opts.LinkToken)
	if err != nil {
		s.opts.Logger.Errorf("Failed to create link token: %v", err)
		http.Error(w, "failed to create link token", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, pageData{LinkToken: token, State: s.state}); err != nil {
		s.opts.Logger.Errorf("Failed to render link page: %v", err)
	}
}

func (s *Session) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if q.Get("state") != s.state {
		s.opts.Logger.Warnf("Rejected link callback: %v", ErrStateMismatch)
		http.Error(w, ErrStateMismatch.Error(), http.StatusBadRequest)
		return
	}
	publicToken := q.Get("public_token")
	if publicToken == "" {
		http.Error(w, "missing public_token", http.StatusBadRequest)
		return
	}

	// One item per session. Claim before exchanging so a second link never
	// creates an item whose token would be dropped.
	if !s.claimed.CompareAndSwap(false, true) {
		http.Error(w, "an account was already linked in this session", http.StatusConflict)
		return
	}

	exch, err := s.linker.ExchangePublicToken(r.Context(), publicToken)
	if err != nil {
		err = fmt.Errorf("failed to exchange public token: %w", err)
		s.fail(err)
		http.Error(w, "failed to exchange public token", http.StatusBadGateway)
		return
	}

	res := Result{
		ItemID: exch.ItemID,
		Record: vault.CredentialRecord{
			AccessToken:     exch.AccessToken,
			InstitutionName: s.institutionName(r.Context(), exch.AccessToken),
		},
	}
	s.results <- res

	s.opts.Logger.WithField("item_id", res.ItemID).Infof("Linked %s", res.Record.InstitutionName)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(donePage)
}

// institutionName resolves the item's institution, falling back to
// UnknownInstitution on any failure.
func (s *Session) institutionName(ctx context.Context, accessToken string) string {
	item, err := s.linker.GetItem(ctx, accessToken)
	if err != nil || item.InstitutionID == "" {
		s.opts.Logger.Warnf("Institution lookup failed: %v", err)
		return UnknownInstitution
	}
	inst, err := s.linker.GetInstitution(ctx, item.InstitutionID, s.opts.LinkToken.CountryCodes)
	if err != nil || inst.Name == "" {
		s.opts.Logger.Warnf("Institution lookup failed for %s: %v", item.InstitutionID, err)
		return UnknownInstitution
	}
	return inst.Name
}
