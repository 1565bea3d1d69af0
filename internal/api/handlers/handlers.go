package handlers

import (
	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/handlers/approvals"
	"github.com/SafeMPC/threshold-coordinator/internal/api/handlers/sessions"
	"github.com/labstack/echo/v4"
)

// AttachAllRoutes registers every route on the server's router.
func AttachAllRoutes(s *api.Server) {
	s.Router.Routes = []*echo.Route{
		sessions.PostCreateSessionRoute(s),
		sessions.PostCommitmentRoute(s),
		sessions.PostPartialSignatureRoute(s),
		sessions.PostFinalizeRoute(s),
		sessions.PostCancelSessionRoute(s),
		sessions.GetSessionRoute(s),
		sessions.GetSigningContextRoute(s),
		approvals.PostApprovalRoute(s),
	}
}
