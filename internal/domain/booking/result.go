package booking

// Restaurant describes the venue the agent settled on.
type Restaurant struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	PhoneNumber   string   `json:"phone_number,omitempty"`
	Rating        *float64 `json:"rating,omitempty"`
	PriceRange    string   `json:"price_range,omitempty"`
	CuisineType   string   `json:"cuisine_type,omitempty"`
	PopularDishes []string `json:"popular_dishes,omitempty"`
	OpeningHours  string   `json:"opening_hours,omitempty"`
}

// Confirmation is only present for booking-mode runs.
type Confirmation struct {
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
	Date               string `json:"date"`
	Time               string `json:"time"`
	PartySize          int    `json:"party_size"`
	FirstName          string `json:"first_name,omitempty"`
	LastName           string `json:"last_name,omitempty"`
	SpecialRequests    string `json:"special_requests,omitempty"`
	Status             string `json:"status"`
}

type Result struct {
	Restaurant      Restaurant    `json:"restaurant"`
	Booking         *Confirmation `json:"booking,omitempty"`
	AdditionalNotes string        `json:"additional_notes,omitempty"`
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.Restaurant.Rating != nil {
		rating := *r.Restaurant.Rating
		out.Restaurant.Rating = &rating
	}
	if r.Restaurant.PopularDishes != nil {
		out.Restaurant.PopularDishes = append([]string(nil), r.Restaurant.PopularDishes...)
	}
	if r.Booking != nil {
		b := *r.Booking
		out.Booking = &b
	}
	return &out
}
