package agent

import (
	"fmt"
	"strings"

	"github.com/example/booker-api/internal/domain/booking"
)

// Task is the fully resolved parameter set handed to an agent session.
type Task struct {
	Request     booking.Request
	Coordinates booking.Coordinates
}

func NewTask(req booking.Request, c booking.Coordinates) Task {
	return Task{Request: req.Clone(), Coordinates: c}
}

const restaurantSchema = `{
  "name": "Restaurant Name",
  "address": "Restaurant Address",
  "phone_number": "Restaurant Phone Number",
  "rating": 4.5,
  "price_range": "$$$",
  "cuisine_type": "Cuisine Type",
  "popular_dishes": ["Dish 1", "Dish 2"],
  "opening_hours": "Opening Hours"
}`

// Instructions renders the step list the agent follows. Informational tasks
// stop after collecting restaurant details.
func (t Task) Instructions() string {
	r := t.Request
	city := r.City
	if city == "" {
		city = t.Coordinates.String()
	}

	steps := []string{
		fmt.Sprintf("Go to https://www.google.com/maps/search/restaurants/@%g,%g,14z/data=!3m1!4b1!4m4!2m3!5m1!4e9!6e5 in the browser.",
			t.Coordinates.Latitude, t.Coordinates.Longitude),
		"Consent any cookie consent popups or similar dialogs that may appear.",
		fmt.Sprintf("Make sure the rating filter is set to 4.5 to find top restaurants for %s in the city '%s' on the map.", r.Purpose, city),
	}
	if r.RestaurantName != "" {
		steps = append(steps, fmt.Sprintf("Search for '%s' in the search bar and select it from the results.", r.RestaurantName))
	}

	if r.Mode == booking.ModeInformational {
		if r.RestaurantName == "" {
			steps = append(steps, fmt.Sprintf("From the resulting restaurant list, select a popular restaurant that seems suitable for %s.", r.Purpose))
		}
		steps = append(steps,
			"Collect detailed information about the selected restaurant: name, address, phone number (if available), rating, "+
				"price range, popular dishes or menu highlights (if available) and opening hours for the requested date.",
			"Format the output as a JSON object with the following structure:\n"+
				`{"restaurant": `+restaurantSchema+`, "additional_notes": "Any additional information"}`,
			"STOP HERE. Do not proceed with the booking process.",
		)
		return numbered(steps)
	}

	if r.RestaurantName == "" {
		steps = append(steps, fmt.Sprintf("From the resulting restaurant list, select a popular restaurant that seems suitable for %s and click reserve a table.", r.Purpose))
	}
	steps = append(steps,
		"Go to the 'Reserve a table' or something similar section and verify that the booking is free (no prepayment or credit card required).",
		"If it is not free or no reservation is possible, go back to the results and pick another restaurant.",
		fmt.Sprintf("Set the date to '%s', the time to '%s', and the number of people to %d.", r.Date, r.Time, r.PartySize),
		"If the restaurant is fully booked, go back to the results and pick another restaurant.",
		fmt.Sprintf("Fill in the contact information form if required with First name: '%s', Last name: '%s', Email: '%s', and Phone number: '%s'.",
			orNA(r.FirstName), orNA(r.LastName), orNA(r.Email), orNA(r.PhoneNumber)),
		fmt.Sprintf("If a special request field or booking description field is available, enter: '%s'.", specialRequests(r)),
		"Proceed to confirm the booking and wait for the booking confirmation to appear.",
		"Capture the confirmation details or booking reference.",
		"Format the output as a JSON object with the following structure:\n"+
			`{"restaurant": `+restaurantSchema+`, "booking": `+
			fmt.Sprintf(`{"confirmation_number": "Confirmation reference if available", "date": "%s", "time": "%s", "party_size": %d, `+
				`"first_name": "%s", "last_name": "%s", "special_requests": "%s", "status": "confirmed"}`,
				r.Date, r.Time, r.PartySize, orNA(r.FirstName), orNA(r.LastName), specialRequests(r))+
			`, "additional_notes": "Any additional relevant information"}`,
	)
	return numbered(steps)
}

func numbered(steps []string) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func specialRequests(r booking.Request) string {
	if strings.TrimSpace(r.BookingDescription) == "" {
		return "No special requests"
	}
	return r.BookingDescription
}
