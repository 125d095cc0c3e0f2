package idp

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/authflow/internal/authcode"
	"github.com/alexjbarnes/authflow/internal/pkce"
)

// consentPage asks the user to approve or deny the request. Every
// authorization parameter is carried through hidden fields, and the
// csrf_token field blocks cross-site submission.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in with {{.DisplayName}}</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent p:last-child { margin-bottom: 0; }
  .consent .redirect { color: #666; word-break: break-all; }
  .consent code { font-size: 0.8rem; }
  .actions { display: flex; gap: 0.5rem; }
  button {
    flex: 1;
    padding: 0.6rem;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button.approve { background: #1a1a1a; color: #fff; }
  button.approve:hover { background: #333; }
  button.deny { background: #e5e5e5; color: #1a1a1a; }
  button.deny:hover { background: #d4d4d4; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.DisplayName}}</h1>
  <p class="sub">Signed in as {{.UserName}} ({{.UserEmail}})</p>
  <div class="consent">
    <p><strong>{{.ClientID}}</strong> is requesting access.</p>
    {{if .Scope}}<p>Scopes: <code>{{.Scope}}</code></p>{{end}}
    <p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>
  </div>
  <form method="POST" action="/oauth/authorize/confirm">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="response_type" value="code">
    <input type="hidden" name="provider" value="{{.Provider}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="nonce" value="{{.Nonce}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <div class="actions">
      <button type="submit" name="decision" value="deny" class="deny">Deny</button>
      <button type="submit" name="decision" value="approve" class="approve">Approve</button>
    </div>
  </form>
</div>
</body>
</html>`))

type consentData struct {
	CSRFToken           string
	Provider            string
	DisplayName         string
	UserName            string
	UserEmail           string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// authorizeRequest is the parameter set shared by the authorize and
// confirm endpoints.
type authorizeRequest struct {
	ResponseType        string
	Provider            string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func readAuthorizeRequest(v url.Values) authorizeRequest {
	return authorizeRequest{
		ResponseType:        v.Get("response_type"),
		Provider:            v.Get("provider"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// csrfBinding ties a consent CSRF token to the client and redirect it was
// rendered for.
func csrfBinding(req authorizeRequest) string {
	return req.Provider + "\x00" + req.ClientID + "\x00" + req.RedirectURI
}

// check validates the request against the registry. It reports the
// OAuth error code and description for a 400 response, or "" when the
// request is acceptable.
func (s *Server) check(req authorizeRequest) (Provider, string, string) {
	if req.ResponseType != "code" {
		return Provider{}, "invalid_request", "response_type must be code"
	}

	p, ok := s.registry.Lookup(req.Provider)
	if !ok {
		return Provider{}, "invalid_request", "Invalid provider"
	}

	if req.ClientID != p.ClientID {
		return Provider{}, "invalid_client", "Invalid client_id"
	}

	if req.RedirectURI == "" || !p.AllowsRedirect(req.RedirectURI) {
		return Provider{}, "invalid_request", "Invalid redirect_uri"
	}

	if req.CodeChallengeMethod != "" {
		if req.CodeChallenge == "" {
			return Provider{}, "invalid_request", "code_challenge_method without code_challenge"
		}

		if !pkce.ValidMethod(req.CodeChallengeMethod) {
			return Provider{}, "invalid_request", "unsupported code_challenge_method"
		}
	}

	return p, "", ""
}

// Authorize handles GET /oauth/authorize by rendering the consent page.
func (s *Server) Authorize(w http.ResponseWriter, r *http.Request) {
	req := readAuthorizeRequest(r.URL.Query())

	p, errCode, desc := s.check(req)
	if errCode != "" {
		s.logger.Debug("authorize rejected",
			slog.String("provider", req.Provider),
			slog.String("client_id", req.ClientID),
			slog.String("error", desc),
		)
		writeJSONError(w, http.StatusBadRequest, errCode, desc)

		return
	}

	csrf, err := s.csrf.GenerateFor(r.Context(), csrfBinding(req))
	if err != nil {
		s.logger.Error("issuing consent csrf token", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")

		return
	}

	data := consentData{
		CSRFToken:           csrf,
		Provider:            p.Name,
		DisplayName:         p.DisplayName,
		UserName:            p.Profile.Name,
		UserEmail:           p.Profile.Email,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	_ = consentPage.Execute(w, data)
}

// Confirm handles POST /oauth/authorize/confirm. An approval issues a
// code bound to every request parameter; a denial redirects with
// access_denied. State is echoed only when the request carried one.
func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	req := readAuthorizeRequest(r.PostForm)
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}

	p, errCode, desc := s.check(req)
	if errCode != "" {
		writeJSONError(w, http.StatusBadRequest, errCode, desc)
		return
	}

	// A failed CSRF check may be a forged form, so answer with a plain
	// error rather than redirecting to a possibly attacker-chosen URI.
	ok, err := s.csrf.ValidateFor(r.Context(), r.PostForm.Get("csrf_token"), csrfBinding(req))
	if err != nil {
		s.logger.Error("validating consent csrf token", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")

		return
	}

	if !ok {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	if r.PostForm.Get("decision") == "deny" {
		s.logger.Info("authorization denied", slog.String("provider", p.Name), slog.String("client_id", req.ClientID))
		redirectWithError(w, r, req.RedirectURI, req.State, "access_denied", "The user denied the request")

		return
	}

	ac, err := s.codes.Issue(r.Context(), authcode.Request{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Provider:            p.Name,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		s.logger.Error("issuing authorization code", slog.String("error", err.Error()))
		redirectWithError(w, r, req.RedirectURI, req.State, "server_error", "An error occurred during authorization")

		return
	}

	s.logger.Info("authorization code issued",
		slog.String("provider", p.Name),
		slog.String("client_id", req.ClientID),
		slog.Bool("pkce", req.CodeChallenge != ""),
	)

	params := url.Values{}
	params.Set("code", ac.Code)

	if req.State != "" {
		params.Set("state", req.State)
	}

	// RFC 9207: identify the issuer to prevent mix-up attacks.
	params.Set("iss", s.issuer)

	http.Redirect(w, r, appendQuery(req.RedirectURI, params), http.StatusFound)
}

// redirectWithError redirects back to the client with an RFC 6749
// Section 4.1.2.1 error. Only call it once the redirect URI is validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery keeps any query the redirect URI was registered with.
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// validateRedirectURI requires an exact match against a registered URI,
// except that a registered bare loopback origin (http://localhost or
// http://127.0.0.1) accepts any port and path per RFC 8252 Section 7.3.
func validateRedirectURI(registered []string, redirectURI string) bool {
	for _, reg := range registered {
		if redirectURI == reg {
			return true
		}

		if isLocalhostPrefix(reg) && isLoopbackRedirect(redirectURI, reg) {
			return true
		}
	}

	return false
}

func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackRedirect compares parsed scheme and hostname so that
// 127.0.0.1.evil.com does not match a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
