package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

const timeLayout = "2006-01-02 15:04"

// AlertMessage carries the fields of a threshold alert.
type AlertMessage struct {
	SiteCode   string
	Name       string
	County     string
	AQI        int
	Status     *string
	ObservedAt *time.Time
	Threshold  int
}

// NearbyMessage carries the fields of a "conditions near you" push.
type NearbyMessage struct {
	SiteCode   string
	Name       string
	County     string
	DistanceKm float64
	AQI        *int
	Status     *string
	PM25       *int
	PM10       *int
	ObservedAt *time.Time
}

const alertTemplate = `【空氣品質警報】
測站：{{.County}} - {{.Name}} ({{.SiteCode}})
目前 AQI：{{.AQI}} ({{orNA .Status}})
發布時間：{{when .ObservedAt}}
已超過您設定的閾值：{{.Threshold}}！`

const nearbyTemplate = `【您附近的空氣品質】
最近測站：{{.County}} - {{.Name}} ({{.SiteCode}})，約 {{printf "%.1f" .DistanceKm}} 公里
AQI：{{orNA .AQI}} ({{orNA .Status}})
PM2.5：{{orNA .PM25}}　PM10：{{orNA .PM10}}
發布時間：{{when .ObservedAt}}`

// Renderer formats notification texts. Observation times are shown in the
// renderer's location.
type Renderer struct {
	alert  *template.Template
	nearby *template.Template
}

// NewRenderer parses the message templates.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	funcs := template.FuncMap{
		"when": func(t *time.Time) string {
			if t == nil {
				return "N/A"
			}
			return t.In(loc).Format(timeLayout)
		},
		"orNA": func(v any) string {
			switch x := v.(type) {
			case *int:
				if x != nil {
					return fmt.Sprint(*x)
				}
			case *string:
				if x != nil && *x != "" {
					return *x
				}
			}
			return "N/A"
		},
	}
	return &Renderer{
		alert:  template.Must(template.New("alert").Funcs(funcs).Parse(alertTemplate)),
		nearby: template.Must(template.New("nearby").Funcs(funcs).Parse(nearbyTemplate)),
	}
}

// RenderAlert formats a threshold alert.
func (r *Renderer) RenderAlert(m AlertMessage) (string, error) {
	return execute(r.alert, m)
}

// RenderNearby formats a nearby-conditions push.
func (r *Renderer) RenderNearby(m NearbyMessage) (string, error) {
	return execute(r.nearby, m)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
