package paywall

import (
	"github.com/gin-gonic/gin"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// contextKeyVerification is where the gin middleware stores the
// VerificationResult for the downstream handler.
const contextKeyVerification = "x402/verification"

// Middleware returns a gin handler that runs the payment handshake before the
// protected route. Unpaid requests receive the 402 invoice body; verified
// requests proceed with the verification result attached to the context.
func Middleware(p *Paywall) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := p.Evaluate(c.Request)
		if decision.Session != "" {
			c.Header(x402.HeaderSession, decision.Session)
		}
		if !decision.Authorized {
			c.AbortWithStatusJSON(decision.StatusCode, decision.Invoice)
			return
		}
		c.Set(contextKeyVerification, decision.Verification)
		c.Next()
	}
}

// Verification returns the verification result attached by Middleware, or
// nil when the route was reached without payment (e.g. middleware not
// installed).
func Verification(c *gin.Context) *x402.VerificationResult {
	if v, ok := c.Get(contextKeyVerification); ok {
		if vr, ok := v.(*x402.VerificationResult); ok {
			return vr
		}
	}
	return nil
}
