package booking

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	DefaultTime      = "18:00"
	DefaultPartySize = 2
	DefaultPurpose   = "dinner"
	DefaultModel     = "gpt-4.1"

	maxPartySize = 50
)

var ErrInvalidRequest = errors.New("invalid booking request")

type Mode string

const (
	ModeInformational Mode = "informational"
	ModeBooking       Mode = "booking"
)

// Operation is the human label used in status messages.
func (m Mode) Operation() string {
	if m == ModeInformational {
		return "Restaurant information retrieval"
	}
	return "Booking"
}

// Started is the message a freshly accepted job carries.
func (m Mode) Started() string {
	if m == ModeInformational {
		return "Restaurant information retrieval started"
	}
	return "Booking process started"
}

func (m Mode) Valid() bool {
	return m == ModeInformational || m == ModeBooking
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%g,%g", c.Latitude, c.Longitude)
}

// Contact is forwarded to the restaurant's reservation form. Every field is optional.
type Contact struct {
	FirstName          string `json:"first_name,omitempty"`
	LastName           string `json:"last_name,omitempty"`
	Email              string `json:"email,omitempty"`
	PhoneNumber        string `json:"phone_number,omitempty"`
	BookingDescription string `json:"booking_description,omitempty"`
}

// Request holds everything needed to run one search/reservation job.
// It is treated as an immutable snapshot once a job has been created.
type Request struct {
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Date      string `json:"date"`
	Time      string `json:"time"`
	PartySize int    `json:"party_size"`
	Purpose   string `json:"purpose"`
	Model     string `json:"model"`

	RestaurantName string `json:"restaurant_name,omitempty"`
	Contact

	Mode        Mode   `json:"mode"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// WithDefaults fills unset optional fields. The default date is the calendar
// day after now, so callers must pass the submission instant.
func (r Request) WithDefaults(now time.Time) Request {
	r.City = strings.TrimSpace(r.City)
	if strings.TrimSpace(r.Date) == "" {
		r.Date = now.AddDate(0, 0, 1).Format(DateLayout)
	}
	if strings.TrimSpace(r.Time) == "" {
		r.Time = DefaultTime
	}
	if r.PartySize == 0 {
		r.PartySize = DefaultPartySize
	}
	if strings.TrimSpace(r.Purpose) == "" {
		r.Purpose = DefaultPurpose
	}
	if strings.TrimSpace(r.Model) == "" {
		r.Model = DefaultModel
	}
	if r.Mode == "" {
		r.Mode = ModeBooking
	}
	return r
}

func (r Request) Validate() error {
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be given together", ErrInvalidRequest)
	}
	c, hasCoords := r.Coordinates()
	if hasCoords && !c.Valid() {
		return fmt.Errorf("%w: coordinates out of range (%s)", ErrInvalidRequest, c)
	}
	if r.City == "" && !hasCoords {
		return fmt.Errorf("%w: city or coordinates required", ErrInvalidRequest)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: invalid date %q (want YYYY-MM-DD)", ErrInvalidRequest, r.Date)
	}
	if _, err := time.Parse(TimeLayout, r.Time); err != nil {
		return fmt.Errorf("%w: invalid time %q (want HH:MM)", ErrInvalidRequest, r.Time)
	}
	if r.PartySize < 1 || r.PartySize > maxPartySize {
		return fmt.Errorf("%w: party_size must be between 1 and %d", ErrInvalidRequest, maxPartySize)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if r.CallbackURL != "" {
		u, err := url.Parse(r.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback_url must be an absolute http(s) URL", ErrInvalidRequest)
		}
	}
	return nil
}

// Coordinates reports the explicit search location, if the caller supplied one.
func (r Request) Coordinates() (Coordinates, bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}, true
}

// Clone returns a copy that shares no pointers with r.
func (r Request) Clone() Request {
	if r.Latitude != nil {
		lat := *r.Latitude
		r.Latitude = &lat
	}
	if r.Longitude != nil {
		lon := *r.Longitude
		r.Longitude = &lon
	}
	return r
}
