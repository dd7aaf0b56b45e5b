package sanitizer

import (
	"regexp"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

type phrasePattern struct {
	re          *regexp.Regexp
	flag        entity.SecurityFlagType
	severity    entity.Severity
	description string
}

var suspiciousPhrases = []phrasePattern{
	{regexp.MustCompile(`(?i)\bverify your (?:account|identity|email|payment)\b`), entity.FlagPhishingAttempt, entity.SeverityMedium, "account verification request"},
	{regexp.MustCompile(`(?i)\bconfirm your (?:identity|password|account|login)\b`), entity.FlagPhishingAttempt, entity.SeverityMedium, "credential confirmation request"},
	{regexp.MustCompile(`(?i)\baccount (?:has been |was |will be )?(?:suspended|locked|compromised|disabled)\b`), entity.FlagPhishingAttempt, entity.SeverityMedium, "account suspension threat"},
	{regexp.MustCompile(`(?i)\bupdate your (?:payment|billing|card) (?:information|details|method)\b`), entity.FlagPhishingAttempt, entity.SeverityMedium, "payment details update request"},
	{regexp.MustCompile(`(?i)\bunusual (?:sign-?in|login) activity\b`), entity.FlagPhishingAttempt, entity.SeverityLow, "unusual activity warning"},
	{regexp.MustCompile(`(?i)\bclick (?:here|the link below) (?:immediately|now|to (?:verify|confirm|log ?in|unlock))\b`), entity.FlagPhishingAttempt, entity.SeverityMedium, "urgent link click request"},
	{regexp.MustCompile(`(?i)\b(?:urgent(?:ly)? action required|act (?:now|immediately)|final notice)\b`), entity.FlagPhishingAttempt, entity.SeverityLow, "urgency language"},
	{regexp.MustCompile(`(?i)\bwithin (?:24|48) hours\b`), entity.FlagPhishingAttempt, entity.SeverityLow, "deadline pressure"},
	{regexp.MustCompile(`(?i)\bwire transfer\b`), entity.FlagFinancialFraud, entity.SeverityMedium, "wire transfer request"},
	{regexp.MustCompile(`(?i)\b(?:buy|purchase|send) (?:\w+ )?gift ?cards?\b`), entity.FlagFinancialFraud, entity.SeverityHigh, "gift card payment request"},
	{regexp.MustCompile(`(?i)\b(?:bitcoin|btc|crypto(?:currency)?) wallet\b`), entity.FlagFinancialFraud, entity.SeverityMedium, "cryptocurrency payment request"},
	{regexp.MustCompile(`(?i)\b(?:western union|moneygram)\b`), entity.FlagFinancialFraud, entity.SeverityMedium, "money transfer service"},
	{regexp.MustCompile(`(?i)\b(?:bank account (?:number|details)|routing number)\b`), entity.FlagFinancialFraud, entity.SeverityMedium, "bank details request"},
	{regexp.MustCompile(`(?i)\b(?:you(?:'ve| have) won|lottery winner|unclaimed inheritance)\b`), entity.FlagFinancialFraud, entity.SeverityMedium, "prize or inheritance lure"},
}

var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptOpenRe   = regexp.MustCompile(`(?i)<script\b[^>]*>`)
	dangerousURIRe = regexp.MustCompile(`(?i)(?:java|vb)script\s*:|data\s*:\s*text/html`)
	displayHostRe  = regexp.MustCompile(`(?i)^\s*(?:https?://)?((?:[a-z0-9-]+\.)+[a-z]{2,})(?:[/:?#]\S*)?\s*$`)
)

const neutralizedScheme = "blocked:"

// blockedExtensions are file extensions that are never accepted as receipts
var blockedExtensions = setOf(
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".msi", ".dll", ".vbs", ".vbe",
	".js", ".jse", ".wsf", ".wsh", ".ps1", ".sh", ".jar", ".hta", ".cpl", ".lnk",
	".reg", ".iso", ".apk", ".app", ".docm", ".xlsm", ".pptm",
)

var blockedContentTypes = setOf(
	"application/x-msdownload",
	"application/x-msdos-program",
	"application/x-executable",
	"application/x-sh",
	"application/x-bat",
	"application/javascript",
	"application/x-javascript",
	"text/javascript",
	"application/java-archive",
	"application/vnd.microsoft.portable-executable",
	"application/hta",
	"application/x-ms-shortcut",
	"application/vnd.ms-excel.sheet.macroenabled.12",
)

// DefaultDisposableDomains is a small seed list; deployments extend it through config
var DefaultDisposableDomains = []string{
	"mailinator.com", "guerrillamail.com", "10minutemail.com", "tempmail.com", "temp-mail.org",
	"yopmail.com", "throwawaymail.com", "trashmail.com", "sharklasers.com", "getnada.com",
	"dispostable.com", "maildrop.cc",
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
