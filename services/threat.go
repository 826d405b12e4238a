package services

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	appContext "github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/shared"
)

// PatternLibrary is the immutable blacklist the classifier runs requests
// through. Built once at startup and injected, never mutated, so the sets
// stay independently unit-testable.
type PatternLibrary struct {
	SQLInjection     []*regexp.Regexp
	XSS              []*regexp.Regexp
	PathTraversal    []*regexp.Regexp
	CommandInjection []*regexp.Regexp
	NoSQLOperators   []*regexp.Regexp

	SuspiciousParamNames *regexp.Regexp
	SuspiciousAgents     []string
	DangerousSchemes     []string
	AllowedMethods       map[string]struct{}
}

func DefaultPatternLibrary() *PatternLibrary {
	return &PatternLibrary{
		SQLInjection: compileAll(
			`(?i)'\s*(or|and)\b`,
			`(?i)\bunion\s+(all\s+)?select\b`,
			`(?i)\b(select|insert|update|delete|drop|truncate|alter)\b.+\b(from|into|table|where|set)\b`,
			`(--|#)\s*$`,
			`(?i);\s*(drop|delete|truncate|shutdown)\b`,
			`(?i)\b(sleep|benchmark|waitfor\s+delay|pg_sleep)\s*\(?`,
			`(?i)\b(information_schema|sysobjects|pg_catalog)\b`,
		),
		XSS: compileAll(
			`(?i)<\s*script`,
			`(?i)javascript\s*:`,
			`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`,
			`(?i)<\s*(iframe|object|embed|svg)\b`,
			`(?i)\b(alert|prompt|confirm)\s*\(`,
			`(?i)document\s*\.\s*(cookie|write|location)`,
			`(?i)\beval\s*\(`,
			`(?i)(%3C|&lt;?)\s*script`,
		),
		PathTraversal: compileAll(
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e(%2f|%5c|/|\\)`,
			`(?i)%252e%252e`,
			`(?i)\.\.(%2f|%5c)`,
			`(?i)(/etc/(passwd|shadow|hosts)|boot\.ini|win\.ini|windows\\system32)`,
		),
		// Restricted to a fixed command list so ordinary punctuation in
		// note text does not trip it.
		CommandInjection: compileAll(
			"(?i)(;|\\||`|\\$\\()\\s*(cat|ls|rm|mv|cp|wget|curl|nc|ncat|bash|sh|zsh|python|perl|ruby|powershell|cmd|ping|chmod|chown|kill|whoami|id|uname)\\b",
			"(?i)\\b(cat|curl|wget|nc)\\s+(/|https?://)",
			"(?i)\\$\\{\\s*IFS\\s*\\}",
		),
		NoSQLOperators: compileAll(
			`(?i)\$\s*(where|ne|gt|lt|gte|lte|regex|exists|nin|elemMatch)\b`,
			`(?i)\{\s*"?\$`,
			`(?i)\bmapReduce\b`,
		),
		SuspiciousParamNames: regexp.MustCompile(
			`(?i)\b(cmd|exec|command|shell|eval|script|passwd|password_file|file_path|redirect_uri_raw|debug_sql)\b`),
		SuspiciousAgents: []string{
			"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
			"wfuzz", "metasploit", "havij", "acunetix", "netsparker", "hydra",
		},
		DangerousSchemes: []string{
			"javascript:", "data:", "file:", "vbscript:", "about:",
		},
		AllowedMethods: map[string]struct{}{
			http.MethodGet: {}, http.MethodPost: {}, http.MethodPut: {},
			http.MethodPatch: {}, http.MethodDelete: {}, http.MethodHead: {},
			http.MethodOptions: {},
		},
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// ThreatService classifies requests against the pattern library. The
// blacklist approach accepts false negatives so it never blocks well-formed
// traffic it has not anticipated; the pipeline rejects only on high risk.
type ThreatService struct {
	appContext.DefaultService

	lib      *PatternLibrary
	devHosts []string
}

const THREAT_SVC = "threat_svc"

func (svc ThreatService) Id() string {
	return THREAT_SVC
}

// NewThreatService builds a classifier outside the service container.
func NewThreatService() *ThreatService {
	return &ThreatService{
		lib:      DefaultPatternLibrary(),
		devHosts: []string{"localhost", "127.0.0.1", "0.0.0.0"},
	}
}

func (svc *ThreatService) Configure(ctx *appContext.Context) error {
	svc.lib = DefaultPatternLibrary()
	svc.devHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	return svc.DefaultService.Configure(ctx)
}

func (svc *ThreatService) Start() error {
	return nil
}

func (svc *ThreatService) Library() *PatternLibrary {
	return svc.lib
}

// Classify runs every check and accumulates one verdict. Order of checks
// never changes the final risk level, only which error strings appear.
func (svc *ThreatService) Classify(c *fiber.Ctx, maxBodyBytes int) dto.ValidationResult {
	result := dto.ValidationResult{
		IsValid:   true,
		Errors:    []string{},
		Warnings:  []string{},
		RiskLevel: shared.RiskLow,
	}

	svc.checkMethod(c, &result)
	svc.checkHeaders(c, &result)
	svc.checkContentLength(c, maxBodyBytes, &result)
	svc.checkUserAgent(c, &result)
	svc.checkQueryParams(c, &result)
	svc.checkPath(c, &result)
	svc.checkOriginHeaders(c, &result)

	if result.RiskLevel == shared.RiskHigh {
		result.IsValid = false
	}
	return result
}

// ValidateBody is the business layer's hook: it serializes the already
// parsed body and runs the same pattern families; any hit is a hard
// failure at the call site, unlike the per-request classification.
func (svc *ThreatService) ValidateBody(body interface{}) error {
	raw, err := sonic.Marshal(body)
	if err != nil {
		return shared.ErrBadRequest("Request body could not be inspected", nil)
	}

	if hits := svc.scanText(string(raw)); len(hits) > 0 {
		log.WithField("categories", hits).Warn("Request body failed content inspection")
		return shared.ErrBadRequest("Request body contains disallowed content", hits)
	}
	return nil
}

func (svc *ThreatService) checkMethod(c *fiber.Ctx, result *dto.ValidationResult) {
	if _, ok := svc.lib.AllowedMethods[c.Method()]; !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("method %s is not allowed", c.Method()))
		raiseRisk(result, shared.RiskHigh)
	}
}

func (svc *ThreatService) checkHeaders(c *fiber.Ctx, result *dto.ValidationResult) {
	switch c.Method() {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if c.Get(fiber.HeaderContentType) == "" {
			result.Warnings = append(result.Warnings, "missing content-type header on mutating request")
			raiseRisk(result, shared.RiskMedium)
		}
	}

	if c.Get(fiber.HeaderUserAgent) == "" {
		result.Warnings = append(result.Warnings, "missing user-agent header")
		raiseRisk(result, shared.RiskMedium)
	}
}

func (svc *ThreatService) checkContentLength(c *fiber.Ctx, maxBodyBytes int, result *dto.ValidationResult) {
	if maxBodyBytes <= 0 {
		return
	}

	// The header alone is attacker-controlled and absent on chunked
	// bodies; measure what actually arrived as well.
	length := c.Request().Header.ContentLength()
	if received := len(c.Body()); received > length {
		length = received
	}

	if length > maxBodyBytes {
		result.Errors = append(result.Errors,
			fmt.Sprintf("content length %d exceeds limit %d", length, maxBodyBytes))
		raiseRisk(result, shared.RiskHigh)
	}
}

func (svc *ThreatService) checkUserAgent(c *fiber.Ctx, result *dto.ValidationResult) {
	agent := strings.ToLower(c.Get(fiber.HeaderUserAgent))
	if agent == "" {
		return
	}
	for _, signature := range svc.lib.SuspiciousAgents {
		if strings.Contains(agent, signature) {
			result.Errors = append(result.Errors, "suspicious user-agent: "+signature)
			raiseRisk(result, shared.RiskHigh)
			return
		}
	}
}

func (svc *ThreatService) checkQueryParams(c *fiber.Ctx, result *dto.ValidationResult) {
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		name := string(key)
		if svc.lib.SuspiciousParamNames.MatchString(name) {
			result.Errors = append(result.Errors, "suspicious parameter name: "+name)
			raiseRisk(result, shared.RiskHigh)
		}

		for _, category := range svc.scanText(string(value)) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("parameter %s matched %s pattern", name, category))
			raiseRisk(result, shared.RiskHigh)
		}
	})
}

func (svc *ThreatService) checkPath(c *fiber.Ctx, result *dto.ValidationResult) {
	// Inspect the raw path before the router decodes it so encoded
	// traversal sequences are still visible.
	raw := string(c.Request().URI().PathOriginal())
	decoded := c.Path()

	seen := map[string]struct{}{}
	for _, category := range append(svc.scanText(raw), svc.scanText(decoded)...) {
		if _, dup := seen[category]; dup {
			continue
		}
		seen[category] = struct{}{}
		result.Errors = append(result.Errors, "path matched "+category+" pattern")
		raiseRisk(result, shared.RiskHigh)
	}
}

func (svc *ThreatService) checkOriginHeaders(c *fiber.Ctx, result *dto.ValidationResult) {
	// Browsers legitimately omit or vary these; scheme anomalies warn
	// rather than reject.
	for _, header := range []string{fiber.HeaderOrigin, fiber.HeaderReferer} {
		value := strings.TrimSpace(strings.ToLower(c.Get(header)))
		if value == "" || svc.isDevOrigin(value) {
			continue
		}
		for _, scheme := range svc.lib.DangerousSchemes {
			if strings.HasPrefix(value, scheme) {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s header uses dangerous scheme %s", strings.ToLower(header), scheme))
				raiseRisk(result, shared.RiskMedium)
			}
		}
	}
}

func (svc *ThreatService) isDevOrigin(origin string) bool {
	for _, host := range svc.devHosts {
		if strings.Contains(origin, "://"+host) {
			return true
		}
	}
	return false
}

// scanText returns the names of every pattern family the text matches.
func (svc *ThreatService) scanText(text string) []string {
	if text == "" {
		return nil
	}

	var categories []string
	families := []struct {
		name     string
		patterns []*regexp.Regexp
	}{
		{"sql injection", svc.lib.SQLInjection},
		{"xss", svc.lib.XSS},
		{"path traversal", svc.lib.PathTraversal},
		{"command injection", svc.lib.CommandInjection},
		{"nosql operator", svc.lib.NoSQLOperators},
	}

	for _, family := range families {
		for _, pattern := range family.patterns {
			if pattern.MatchString(text) {
				categories = append(categories, family.name)
				break
			}
		}
	}
	return categories
}

func raiseRisk(result *dto.ValidationResult, level string) {
	rank := map[string]int{shared.RiskLow: 0, shared.RiskMedium: 1, shared.RiskHigh: 2}
	if rank[level] > rank[result.RiskLevel] {
		result.RiskLevel = level
	}
}
