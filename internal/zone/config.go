package zone

import "github.com/ppiankov/trackwatch/internal/model"

// Config holds the detection tables. Absent entries mean "no match".
type Config struct {
	// URLPatterns are case-insensitive substrings matched against the page URL.
	URLPatterns map[model.ContextType][]string `yaml:"url_patterns"`
	// Signals names the DOM signal category that marks each context.
	Signals map[model.ContextType]string `yaml:"signals"`
	// Priorities orders contexts for display only.
	Priorities map[model.ContextType]int `yaml:"priorities"`
	// Overrides softens a mode while any context is active.
	Overrides map[model.Mode]model.Mode `yaml:"overrides"`
}

// DefaultConfig returns the built-in detection tables.
func DefaultConfig() Config {
	return Config{
		URLPatterns: map[model.ContextType][]string{
			model.ContextPayment: {"/payment", "/pay/", "/billing", "/card",
				"checkout.stripe.com", "paypal.com/checkout", "pay.google.com"},
			model.ContextCheckout: {"/checkout", "/cart", "/basket", "/order/confirm", "/purchase"},
			model.ContextLogin: {"/login", "/signin", "/sign-in", "/logon", "/auth/",
				"/oauth", "/sso", "accounts.google.com"},
		},
		Signals: map[model.ContextType]string{
			model.ContextPayment:  "payment_fields",
			model.ContextCheckout: "checkout_controls",
			model.ContextLogin:    "password_fields",
		},
		Priorities: map[model.ContextType]int{
			model.ContextPayment:  3,
			model.ContextCheckout: 2,
			model.ContextLogin:    1,
		},
		Overrides: map[model.Mode]model.Mode{
			model.ModeBlock: model.ModeSandbox,
		},
	}
}
