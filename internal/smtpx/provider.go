package smtpx

import "strings"

// Provider identifies the mail provider behind a relay hostname. Different
// providers have different quirks around authentication, so failure hints
// are keyed on this.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
	ProviderZoho    Provider = "zoho"
	ProviderCustom  Provider = "custom"
)

// DetectProvider matches the relay hostname against known provider
// substrings. Anything unrecognized is "custom".
func DetectProvider(host string) Provider {
	h := strings.ToLower(host)
	switch {
	case strings.Contains(h, "gmail"):
		return ProviderGmail
	case strings.Contains(h, "outlook"), strings.Contains(h, "office365"):
		return ProviderOutlook
	case strings.Contains(h, "yahoo"):
		return ProviderYahoo
	case strings.Contains(h, "zoho"):
		return ProviderZoho
	default:
		return ProviderCustom
	}
}

// AuthHint returns remediation guidance for an authentication failure
// against the given provider.
func AuthHint(p Provider) string {
	switch p {
	case ProviderGmail:
		return "Gmail requires an app password; create one at https://myaccount.google.com/apppasswords and use it instead of your account password"
	case ProviderOutlook:
		return "Outlook/Office365 requires an app password and SMTP AUTH enabled on the mailbox"
	case ProviderYahoo:
		return "Yahoo requires an app password generated in account security settings"
	case ProviderZoho:
		return "Zoho requires an application-specific password when two-factor auth is on"
	default:
		return "check the SMTP username and password"
	}
}
