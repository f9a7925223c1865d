package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"fathomos/internal/apikey"
	apierrors "fathomos/internal/errors"
	"fathomos/internal/middleware"
	"fathomos/internal/validation"
	"fathomos/pkg/contracts/domain"
)

// SetupService is the part of the API key service the bootstrap needs.
type SetupService interface {
	IssueSetupToken(ctx context.Context) (string, error)
	CompleteSetup(ctx context.Context, token, username, email, password string) (string, *domain.Admin, error)
}

// SetupHandler serves the first-run bootstrap: it issues single-use setup
// tokens and completes the initial admin + API key creation. The whole
// surface goes dead once an admin exists.
type SetupHandler struct {
	keys   SetupService
	logger *slog.Logger
}

// NewSetupHandler creates a setup handler.
func NewSetupHandler(keys SetupService, logger *slog.Logger) *SetupHandler {
	return &SetupHandler{
		keys:   keys,
		logger: logger.With(slog.String("handler", "setup")),
	}
}

// SetupRequest carries the first admin's credentials. Token is required
// unless the request originates from localhost.
type SetupRequest struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=12"`
}

// SetupResponse returns the freshly generated admin API key. The plaintext
// key appears here and nowhere else.
type SetupResponse struct {
	APIKey   string `json:"api_key"`
	KeyHint  string `json:"key_hint"`
	Username string `json:"username"`
}

// SetupTokenResponse carries a single-use setup token.
type SetupTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Routes returns a chi router for setup endpoints.
func (h *SetupHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Timeout(30 * time.Second))

	r.Post("/token", h.IssueToken)
	r.Post("/", h.Complete)

	return r
}

// IssueToken handles POST /api/setup/token. Tokens can only be minted from
// the machine itself; remote bootstrap requires a token handed over out of
// band.
func (h *SetupHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !isLoopback(middleware.PeerAddr(r)) {
		renderError(w, r, apierrors.ErrUnauthorized.WithHint("Setup tokens can only be issued from localhost."))
		return
	}

	token, err := h.keys.IssueSetupToken(ctx)
	if err != nil {
		if errors.Is(err, apikey.ErrSetupComplete) {
			renderError(w, r, apierrors.ErrConflict.WithHint("Setup has already been completed."))
			return
		}
		renderError(w, r, apierrors.StorageError("setup token issuance", err))
		return
	}

	h.logger.InfoContext(ctx, "setup token issued", slog.String("remote_addr", r.RemoteAddr))
	render.JSON(w, r, SetupTokenResponse{Token: token, ExpiresAt: time.Now().Add(24 * time.Hour).UTC()})
}

// Complete handles POST /api/setup. It creates the first admin and returns
// the initial API key. Localhost callers may omit the token; a token is
// minted and redeemed on their behalf.
func (h *SetupHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SetupRequest
	if apiErr := validation.DecodeAndValidate(r, &req); apiErr != nil {
		renderError(w, r, apiErr)
		return
	}

	token := req.Token
	if token == "" {
		if !isLoopback(middleware.PeerAddr(r)) {
			renderError(w, r, apierrors.ErrUnauthorized.WithHint("A setup token is required for remote setup."))
			return
		}
		minted, err := h.keys.IssueSetupToken(ctx)
		if err != nil {
			if errors.Is(err, apikey.ErrSetupComplete) {
				renderError(w, r, apierrors.ErrConflict.WithHint("Setup has already been completed."))
				return
			}
			renderError(w, r, apierrors.StorageError("setup token issuance", err))
			return
		}
		token = minted
	}

	plaintext, admin, err := h.keys.CompleteSetup(ctx, token, req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrSetupComplete):
			renderError(w, r, apierrors.ErrConflict.WithHint("Setup has already been completed."))
		case errors.Is(err, apikey.ErrTokenInvalid):
			renderError(w, r, apierrors.ErrUnauthorized.WithHint("The setup token is invalid, expired or already used."))
		default:
			renderError(w, r, apierrors.StorageError("setup completion", err))
		}
		return
	}

	h.logger.InfoContext(ctx, "setup completed", slog.String("username", admin.Username))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SetupResponse{
		APIKey:   plaintext,
		KeyHint:  plaintext[len(plaintext)-4:],
		Username: admin.Username,
	})
}

// isLoopback reports whether the remote address is the local machine.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
