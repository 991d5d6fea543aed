package utils

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"golang.org/x/net/idna"
)

// SanitizedDomain Make sure no funny chars are in the cert names (like wildcards ;)).
func SanitizedDomain(logger log.Logger, domain string) string {
	safe, err := idna.ToASCII(strings.NewReplacer(":", "-", "*", "_").Replace(domain))
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
	}
	return safe
}

// ValidateDomain rejects syntactically invalid domain names before they reach
// the authority.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain name")
	}
	if strings.ContainsAny(domain, " /\\") {
		return fmt.Errorf("invalid domain name '%s'", domain)
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimPrefix(domain, "*."))
	if err != nil {
		return fmt.Errorf("invalid domain name '%s': %w", domain, err)
	}
	if !strings.Contains(ascii, ".") {
		return fmt.Errorf("invalid domain name '%s': missing zone suffix", domain)
	}
	return nil
}

func CreateNonExistingFolder(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0o700)
	} else if err != nil {
		return err
	}
	return nil
}

func GenerateFingerprint(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

func SHA256Hash(content string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func FormatFilePath(path string) string {
	arr := strings.Split(path, "/")
	return arr[len(arr)-1]
}

type UTCFormatter struct {
	logrus.Formatter
}

func (u UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

// ResponseLogHook logs non-2xx responses from external services.
func ResponseLogHook(logger *logrus.Logger, logSuccess bool) retryablehttp.ResponseLogHook {
	return func(_ retryablehttp.Logger, resp *http.Response) {
		if resp.StatusCode >= 400 {
			logger.Warnf("request %s %s returned %s", resp.Request.Method, resp.Request.URL, resp.Status)
		} else if logSuccess {
			logger.Debugf("request %s %s returned %s", resp.Request.Method, resp.Request.URL, resp.Status)
		}
	}
}
