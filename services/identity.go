package services

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// IdentityService derives the rate-limit bucket key for a request. The
// session token is decoded without signature verification: the key is a
// correlation hint only and must never gate a privileged action.
type IdentityService struct {
	appContext.DefaultService

	projectRef string
	parser     *jwt.Parser
}

const IDENTITY_SVC = "identity_svc"

// Session tokens larger than one cookie arrive split into numbered
// fragments: name.0, name.1, ...
const maxCookieFragments = 10

func (svc IdentityService) Id() string {
	return IDENTITY_SVC
}

// NewIdentityService builds a resolver outside the service container.
func NewIdentityService(projectRef string) *IdentityService {
	return &IdentityService{
		projectRef: projectRef,
		parser:     jwt.NewParser(),
	}
}

func (svc *IdentityService) Configure(ctx *appContext.Context) error {
	svc.projectRef = os.Getenv("AUTH_PROJECT_REF")
	if svc.projectRef == "" {
		if raw := os.Getenv("AUTH_URL"); raw != "" {
			if u, err := url.Parse(raw); err == nil {
				host := u.Hostname()
				if i := strings.Index(host, "."); i > 0 {
					svc.projectRef = host[:i]
				}
			}
		}
	}
	if svc.projectRef == "" {
		log.Warn("No auth project ref configured, rate limit keys fall back to client IP")
	}

	svc.parser = jwt.NewParser()
	return svc.DefaultService.Configure(ctx)
}

func (svc *IdentityService) Start() error {
	return nil
}

// Resolve never fails: every unusable input degrades to a less specific
// but always-defined key. Shapes: <prefix>:user:<sub>, <prefix>:ip:<addr>,
// <prefix>:ip:unknown.
func (svc *IdentityService) Resolve(c *fiber.Ctx, prefix string) string {
	if sub := svc.subjectFromSession(c); sub != "" {
		return fmt.Sprintf("%s:user:%s", prefix, sub)
	}

	if ip := forwardedIP(c); ip != "" {
		return fmt.Sprintf("%s:ip:%s", prefix, ip)
	}

	return prefix + ":ip:unknown"
}

// CookieName is the derived, non-secret session cookie name. Empty when no
// project ref is configured.
func (svc *IdentityService) CookieName() string {
	if svc.projectRef == "" {
		return ""
	}
	return svc.projectRef + "-auth-token"
}

// Subject returns the session token's subject, or "" when no usable
// session is present. Best-effort identity hint only: the signature is
// never verified here.
func (svc *IdentityService) Subject(c *fiber.Ctx) string {
	return svc.subjectFromSession(c)
}

func (svc *IdentityService) subjectFromSession(c *fiber.Ctx) string {
	token := svc.sessionToken(c)
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := svc.parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// sessionToken returns the session cookie value, reassembling numbered
// fragments in suffix order when the token was split across cookies.
func (svc *IdentityService) sessionToken(c *fiber.Ctx) string {
	name := svc.CookieName()
	if name == "" {
		return ""
	}

	if value := c.Cookies(name); value != "" {
		return value
	}

	var sb strings.Builder
	for i := 0; i < maxCookieFragments; i++ {
		fragment := c.Cookies(name + "." + strconv.Itoa(i))
		if fragment == "" {
			break
		}
		sb.WriteString(fragment)
	}
	return sb.String()
}

// forwardedIP returns the first address in the forwarding headers, or ""
// when the request carries none.
func forwardedIP(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return ""
}
