package mail

import (
	"bytes"
	_ "embed"
	"html/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/telekom/request-gatekeeper/pkg/audit"
)

// AlertParams feeds the alert template.
type AlertParams struct {
	Event *audit.Event
	// Suppressed counts events of the same type dropped by the cooldown since
	// the previous mail.
	Suppressed int
}

var (
	alertTemplate = template.New("alert").Funcs(sprig.FuncMap())

	//go:embed templates/alert.html
	alertTemplateRaw string
)

func init() {
	if _, err := alertTemplate.Parse(alertTemplateRaw); err != nil {
		panic(err)
	}
}

func RenderAlert(p AlertParams) (string, error) {
	b := bytes.Buffer{}
	err := alertTemplate.Execute(&b, p)
	return b.String(), err
}
