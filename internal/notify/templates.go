package notify

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"forest-credit-settlement/internal/models"

	"gopkg.in/yaml.v2"
)

// Notification types.
const (
	TypeOrderPaid    = "order_paid"
	TypeCreditsSold  = "credits_sold"
	TypeOrderFailed  = "order_failed"
	TypeOrderExpired = "order_expired"
)

const (
	RecipientBuyer  = "buyer"
	RecipientSeller = "seller"
)

//go:embed templates.yaml
var defaultTemplates []byte

type Template struct {
	Type      string `yaml:"type"`
	Recipient string `yaml:"recipient"`
	Priority  string `yaml:"priority"`
	Title     string `yaml:"title"`
	Message   string `yaml:"message"`
}

type TemplatesConfig struct {
	Templates []Template `yaml:"templates"`
}

// Templates maps a notification type to its template.
type Templates map[string]Template

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() Templates {
	templates, err := parseTemplates(defaultTemplates, "embedded templates")
	if err != nil {
		panic(err)
	}
	return templates
}

// LoadTemplates returns the built-in templates overridden by any defined in
// templatesFile. An empty path returns the defaults.
func LoadTemplates(templatesFile string) (Templates, error) {
	templates := DefaultTemplates()
	if templatesFile == "" {
		return templates, nil
	}

	templatesPath := templatesFile
	if !filepath.IsAbs(templatesFile) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		templatesPath = filepath.Join(wd, templatesFile)
	}

	data, err := os.ReadFile(templatesPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", templatesFile, err)
	}

	overrides, err := parseTemplates(data, templatesFile)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		templates[k] = v
	}
	return templates, nil
}

func parseTemplates(data []byte, source string) (Templates, error) {
	var config TemplatesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", source, err)
	}

	templates := make(Templates, len(config.Templates))
	for i, t := range config.Templates {
		if t.Type == "" {
			return nil, fmt.Errorf("template at index %d missing type", i)
		}
		if t.Recipient != RecipientBuyer && t.Recipient != RecipientSeller {
			return nil, fmt.Errorf("template %s has unknown recipient %q", t.Type, t.Recipient)
		}
		if t.Title == "" {
			return nil, fmt.Errorf("template %s missing title", t.Type)
		}
		if t.Priority == "" {
			t.Priority = "normal"
		}
		templates[t.Type] = t
	}
	return templates, nil
}

// Render fills the template placeholders from order facts.
func (t Template) Render(order *models.Order, reason string) (title, message string) {
	r := strings.NewReplacer(
		"{order_code}", strconv.FormatInt(order.OrderCode, 10),
		"{total_price}", order.TotalPrice.StringFixed(2),
		"{currency}", order.Currency,
		"{total_credits}", strconv.FormatInt(order.TotalCredits, 10),
		"{reason}", reason,
	)
	return r.Replace(t.Title), r.Replace(t.Message)
}

func (t Template) recipientOf(order *models.Order) string {
	if t.Recipient == RecipientSeller {
		return order.SellerId
	}
	return order.BuyerId
}
