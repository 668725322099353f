package notify

// Preference flag names, as stored and as exchanged over JSON.
const (
	PrefOrders     = "orders"
	PrefPromotions = "promotions"
	PrefProducts   = "products"
	PrefMessages   = "messages"
	PrefSystem     = "system"
	PrefMarketing  = "marketing"
)

// Preferences is a user's per-category notification opt-in record.
// It is always replaced as a whole; there is no partial update.
type Preferences struct {
	Orders     bool `json:"orders" firestore:"orders"`
	Promotions bool `json:"promotions" firestore:"promotions"`
	Products   bool `json:"products" firestore:"products"`
	Messages   bool `json:"messages" firestore:"messages"`
	System     bool `json:"system" firestore:"system"`
	Marketing  bool `json:"marketing" firestore:"marketing"`
}

// DefaultPreferences is the record created for a user with nothing stored:
// everything on except marketing.
func DefaultPreferences() Preferences {
	return Preferences{
		Orders:     true,
		Promotions: true,
		Products:   true,
		Messages:   true,
		System:     true,
		Marketing:  false,
	}
}

// PreferencesFromMap builds a complete record from a possibly sparse map.
// Missing keys take their default value and unknown keys are ignored.
func PreferencesFromMap(m map[string]bool) Preferences {
	p := DefaultPreferences()
	for key, value := range m {
		p.set(key, value)
	}
	return p
}

// Map returns the record keyed by flag name.
func (p Preferences) Map() map[string]bool {
	return map[string]bool{
		PrefOrders:     p.Orders,
		PrefPromotions: p.Promotions,
		PrefProducts:   p.Products,
		PrefMessages:   p.Messages,
		PrefSystem:     p.System,
		PrefMarketing:  p.Marketing,
	}
}

// Enabled reports whether notifications of category c may be sent.
// Unknown categories are never enabled.
func (p Preferences) Enabled(c Category) bool {
	key := c.PreferenceKey()
	if key == "" {
		return false
	}
	return p.Map()[key]
}

func (p *Preferences) set(key string, value bool) {
	switch key {
	case PrefOrders:
		p.Orders = value
	case PrefPromotions:
		p.Promotions = value
	case PrefProducts:
		p.Products = value
	case PrefMessages:
		p.Messages = value
	case PrefSystem:
		p.System = value
	case PrefMarketing:
		p.Marketing = value
	}
}
