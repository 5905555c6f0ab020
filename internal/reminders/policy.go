package reminders

// Policy is the recurrence interval for one maintenance category. Zero means the axis is unused.
type Policy struct {
	Category     string
	Title        string
	IntervalKm   int
	IntervalDays int
}

var policies = map[string]Policy{
	"שמן ומסננים":  {Category: "שמן ומסננים", Title: "החלפת שמן ומסנן", IntervalKm: 10000, IntervalDays: 365},
	"צמיגים":       {Category: "צמיגים", Title: "בדיקת/החלפת צמיגים", IntervalKm: 40000, IntervalDays: 730},
	"בלמים":        {Category: "בלמים", Title: "בדיקת בלמים", IntervalKm: 30000, IntervalDays: 730},
	"תחזוקה שוטפת": {Category: "תחזוקה שוטפת", Title: "טיפול תקופתי", IntervalKm: 15000, IntervalDays: 365},
	"מבחן רכב":     {Category: "מבחן רכב", Title: "טסט רכב", IntervalDays: 365},
	"אבחון":        {Category: "אבחון", Title: "אבחון רכב", IntervalDays: 180},
}

// Lookup returns the policy for an expense category.
func Lookup(category string) (Policy, bool) {
	p, ok := policies[category]
	return p, ok
}

// alertFraction of the interval is used as the alert window.
const alertFraction = 0.1

func alertWindow(interval int) int {
	return int(float64(interval) * alertFraction)
}
