package trackerdb

import "github.com/ppiankov/trackwatch/internal/model"

// DefaultCategoryRisk is the base risk weight derived from category.
var DefaultCategoryRisk = map[model.Category]int{
	model.CategoryAdvertising:      30,
	model.CategoryAnalytics:        20,
	model.CategorySessionRecording: 35,
	model.CategorySocial:           25,
	model.CategoryTagManager:       15,
	model.CategoryPayment:          10,
	model.CategoryCDN:              5,
	model.CategorySecurity:         5,
	model.CategoryUnknown:          15,
}

// DataTypesByCategory is the data a tracker of each category typically collects.
var DataTypesByCategory = map[model.Category][]string{
	model.CategoryAdvertising:      {"browsing history", "device identifiers", "ad interactions", "location"},
	model.CategoryAnalytics:        {"page views", "device identifiers", "referrers"},
	model.CategorySessionRecording: {"mouse movements", "keystrokes", "form inputs", "page views"},
	model.CategorySocial:           {"browsing history", "social identity", "device identifiers"},
	model.CategoryTagManager:       {"page views"},
	model.CategoryPayment:          {"payment details", "device identifiers"},
	model.CategoryCDN:              {"ip address"},
	model.CategorySecurity:         {"device identifiers", "ip address"},
	model.CategoryUnknown:          {"ip address"},
}

var gdpr = []string{"GDPR Art. 6 consent required", "ePrivacy cookie consent"}
var gdprCCPA = []string{"GDPR Art. 6 consent required", "CCPA sale/share opt-out"}

// DefaultTrackers is the built-in knowledge table.
var DefaultTrackers = []model.TrackerIdentity{
	{Domain: "doubleclick.net", Company: "Google", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "googlesyndication.com", Company: "Google", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "googleadservices.com", Company: "Google", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "google-analytics.com", Company: "Google", Category: model.CategoryAnalytics, Regulatory: gdpr},
	{Domain: "googletagmanager.com", Company: "Google", Category: model.CategoryTagManager, Regulatory: gdpr},
	{Domain: "facebook.net", Company: "Meta", Category: model.CategorySocial, Regulatory: gdprCCPA},
	{Domain: "connect.facebook.net", Company: "Meta", Category: model.CategorySocial, Regulatory: gdprCCPA},
	{Domain: "facebook.com", Company: "Meta", Category: model.CategorySocial, Regulatory: gdprCCPA},
	{Domain: "platform.twitter.com", Company: "X Corp", Category: model.CategorySocial, Regulatory: gdpr},
	{Domain: "snap.licdn.com", Company: "Microsoft", Category: model.CategorySocial, Regulatory: gdpr},
	{Domain: "bat.bing.com", Company: "Microsoft", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "clarity.ms", Company: "Microsoft", Category: model.CategorySessionRecording, Regulatory: gdpr},
	{Domain: "hotjar.com", Company: "Hotjar", Category: model.CategorySessionRecording, Regulatory: gdpr},
	{Domain: "fullstory.com", Company: "FullStory", Category: model.CategorySessionRecording, Regulatory: gdpr},
	{Domain: "mouseflow.com", Company: "Mouseflow", Category: model.CategorySessionRecording, Regulatory: gdpr},
	{Domain: "criteo.com", Company: "Criteo", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "criteo.net", Company: "Criteo", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "taboola.com", Company: "Taboola", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "outbrain.com", Company: "Outbrain", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "adnxs.com", Company: "Microsoft", Category: model.CategoryAdvertising, Regulatory: gdprCCPA},
	{Domain: "scorecardresearch.com", Company: "Comscore", Category: model.CategoryAnalytics, Regulatory: gdpr},
	{Domain: "segment.io", Company: "Twilio", Category: model.CategoryAnalytics, Regulatory: gdpr},
	{Domain: "mixpanel.com", Company: "Mixpanel", Category: model.CategoryAnalytics, Regulatory: gdpr},
	{Domain: "amplitude.com", Company: "Amplitude", Category: model.CategoryAnalytics, Regulatory: gdpr},
	{Domain: "newrelic.com", Company: "New Relic", Category: model.CategoryAnalytics},
	{Domain: "js.stripe.com", Company: "Stripe", Category: model.CategoryPayment},
	{Domain: "paypal.com", Company: "PayPal", Category: model.CategoryPayment},
	{Domain: "cloudflare.com", Company: "Cloudflare", Category: model.CategoryCDN},
	{Domain: "cdnjs.cloudflare.com", Company: "Cloudflare", Category: model.CategoryCDN},
	{Domain: "jsdelivr.net", Company: "jsDelivr", Category: model.CategoryCDN},
	{Domain: "recaptcha.net", Company: "Google", Category: model.CategorySecurity},
	{Domain: "hcaptcha.com", Company: "Intuition Machines", Category: model.CategorySecurity},
}
