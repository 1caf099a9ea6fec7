package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"statical/pkg/utils"
)

// Validate applies defaults to unset fields, then checks the result.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// OutputDir
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}

	// MaxConcurrentFetches
	if c.MaxConcurrentFetches < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"max_concurrent_fetches should be > 0, defaulting to %d", DefaultMaxConcurrentFetches))
		c.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	} else if c.MaxConcurrentFetches == 0 {
		c.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	}

	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// GlobalCrawlTimeout
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	// ProgressInterval; zero after this point means reporting is off
	if c.ProgressInterval < 0 {
		warnings = append(warnings, "progress_interval cannot be negative, disabling progress reporting")
		c.ProgressInterval = 0
	} else if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}

	// Selectors
	if len(c.LinkSelectors) == 0 {
		c.LinkSelectors = []string{DefaultLinkSelector}
	}
	if len(c.SourceSelectors) == 0 {
		c.SourceSelectors = []string{DefaultSourceSelector}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	} else if _, errLvl := logrus.ParseLevel(c.Log.Level); errLvl != nil {
		warnings = append(warnings, fmt.Sprintf("unknown log level %q, using info", c.Log.Level))
		c.Log.Level = "info"
	}
	if c.Log.File != "" && c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}

	if c.StateDir == "" && c.VisitedLogFile != "" {
		warnings = append(warnings, "visited_log_file without state_dir lists only references seen in this run")
	}

	c.validateHTTPClientSettings()

	if _, errRe := utils.CompileRegexPatterns(c.ExcludePatterns); errRe != nil {
		return warnings, errRe
	}

	if errV := newValidator().Struct(c); errV != nil {
		return warnings, formatValidationError(errV)
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}

// newValidator registers the custom tags used on AppConfig.
func newValidator() *validator.Validate {
	validate := validator.New()

	// Crawl target and public base must be http(s) URLs
	_ = validate.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), "http")
	})

	_ = validate.RegisterValidation("selector", func(fl validator.FieldLevel) bool {
		_, err := cascadia.Compile(fl.Field().String())
		return err == nil
	})

	return validate
}

// formatValidationError flattens validator errors into one ErrConfigValidation.
func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, describeFieldError(e))
	}
	return fmt.Errorf("%w: %s", utils.ErrConfigValidation, strings.Join(msgs, "; "))
}

func describeFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "httpurl":
		return fmt.Sprintf("%s must start with http (got %q)", field, e.Value())
	case "min":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "selector":
		return fmt.Sprintf("%s is not a valid CSS selector (%q)", field, e.Value())
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed '%s' validation", field, e.Tag())
	}
}
