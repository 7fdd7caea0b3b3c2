package paywall

import (
	"github.com/labstack/echo/v4"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// EchoMiddleware returns an echo middleware that runs the payment handshake
// before the protected route, mirroring the gin adapter.
func EchoMiddleware(p *Paywall) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision := p.Evaluate(c.Request())
			if decision.Session != "" {
				c.Response().Header().Set(x402.HeaderSession, decision.Session)
			}
			if !decision.Authorized {
				return c.JSON(decision.StatusCode, decision.Invoice)
			}
			c.Set(contextKeyVerification, decision.Verification)
			return next(c)
		}
	}
}

// EchoVerification returns the verification result attached by
// EchoMiddleware, or nil when none is present.
func EchoVerification(c echo.Context) *x402.VerificationResult {
	if vr, ok := c.Get(contextKeyVerification).(*x402.VerificationResult); ok {
		return vr
	}
	return nil
}
