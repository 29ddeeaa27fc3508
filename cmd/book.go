package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/web"
)

func newBookCmd() *cobra.Command {
	var (
		req       booking.Request
		lat, lon  float64
		testMode  bool
		checkOnly string
		noWait    bool
		interval  time.Duration
	)

	c := &cobra.Command{
		Use:   "book",
		Short: "Submit a booking job and follow it until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := apiClient()
			out := cmd.OutOrStdout()

			if checkOnly != "" {
				st, err := cl.Status(cmd.Context(), checkOnly)
				if err != nil {
					return err
				}
				return printStatus(out, st)
			}

			if cmd.Flags().Changed("latitude") {
				req.Latitude = &lat
			}
			if cmd.Flags().Changed("longitude") {
				req.Longitude = &lon
			}
			body := web.BookRequest{Request: req}
			if testMode {
				body.Mode = booking.ModeInformational
			}

			acc, err := cl.Book(cmd.Context(), body)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\nbooking id: %s\n", acc.Message, acc.BookingID)
			if noWait {
				return nil
			}
			if req.CallbackURL != "" {
				fmt.Fprintf(out, "results will also be POSTed to %s\n", req.CallbackURL)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			final, err := cl.Poll(ctx, acc.BookingID, interval, func(st web.StatusResponse) {
				fmt.Fprintf(out, "status: %s - %s\n", st.Status, st.Message)
			})
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(out, "\nstopped polling; check later with:\n  %s book --check-only %s\n", cmd.Root().Name(), acc.BookingID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printStatus(out, final)
		},
	}

	f := c.Flags()
	f.StringVar(&req.City, "city", "Amsterdam", "city to search in")
	f.StringVar(&req.Date, "date", "", "booking date YYYY-MM-DD (default tomorrow)")
	f.StringVar(&req.Time, "time", booking.DefaultTime, "booking time HH:MM")
	f.IntVar(&req.PartySize, "party-size", booking.DefaultPartySize, "number of people")
	f.StringVar(&req.Purpose, "purpose", booking.DefaultPurpose, "purpose of the reservation")
	f.StringVar(&req.Model, "model", "", "agent model (server default when empty)")
	f.StringVar(&req.RestaurantName, "restaurant-name", "", "specific restaurant to look for")
	f.StringVar(&req.CallbackURL, "callback-url", "", "webhook to notify when the job finishes")
	f.StringVar(&req.FirstName, "first-name", "", "first name for the reservation")
	f.StringVar(&req.LastName, "last-name", "", "last name for the reservation")
	f.StringVar(&req.Email, "email", "", "email for the reservation")
	f.StringVar(&req.PhoneNumber, "phone-number", "", "phone number for the reservation")
	f.StringVar(&req.BookingDescription, "booking-description", "", "special requests")
	f.Float64Var(&lat, "latitude", 0, "search latitude (skips geocoding, needs --longitude)")
	f.Float64Var(&lon, "longitude", 0, "search longitude (skips geocoding, needs --latitude)")
	f.BoolVar(&testMode, "test", false, "only gather restaurant information, do not book")
	f.StringVar(&checkOnly, "check-only", "", "print the status of an existing booking ID and exit")
	f.BoolVar(&noWait, "no-wait", false, "submit and exit without polling")
	f.DurationVar(&interval, "interval", 5*time.Second, "polling interval")
	return c
}
