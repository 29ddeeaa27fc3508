package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/example/booker-api/internal/web"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <booking_id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <booking_id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func printStatus(w io.Writer, st web.StatusResponse) error {
	if jsonOutput() {
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	d := st.Details
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Booking ID", st.BookingID)
	table.Append("Status", string(st.Status))
	table.Append("Message", st.Message)
	table.Append("Mode", string(d.Mode))
	table.Append("Where", where(st))
	table.Append("When", d.Date+" "+d.Time)
	table.Append("Party size", strconv.Itoa(d.PartySize))
	if d.RestaurantName != "" {
		table.Append("Restaurant requested", d.RestaurantName)
	}
	if r := d.Result; r != nil {
		table.Append("Restaurant", r.Restaurant.Name)
		table.Append("Address", r.Restaurant.Address)
		table.Append("Phone", r.Restaurant.PhoneNumber)
		if r.Restaurant.Rating != nil {
			table.Append("Rating", strconv.FormatFloat(*r.Restaurant.Rating, 'f', 1, 64))
		}
		table.Append("Cuisine", r.Restaurant.CuisineType)
		if b := r.Booking; b != nil {
			table.Append("Confirmation", b.ConfirmationNumber)
			table.Append("Booked for", fmt.Sprintf("%s %s, %d people", b.Date, b.Time, b.PartySize))
		}
		if r.AdditionalNotes != "" {
			table.Append("Notes", r.AdditionalNotes)
		}
	}
	if d.Error != "" {
		table.Append("Error", d.Error)
	}
	for _, warn := range d.Warnings {
		table.Append("Warning", warn)
	}
	if cb := d.Callback; cb != nil {
		table.Append("Callback", fmt.Sprintf("%s (%d attempts)", cb.Status, cb.Attempts))
	}
	table.Append("Updated", d.UpdatedAt.Format(time.RFC3339))
	return table.Render()
}

func where(st web.StatusResponse) string {
	d := st.Details
	var parts []string
	if d.City != "" {
		parts = append(parts, d.City)
	}
	if c := d.ResolvedCoordinates; c != nil {
		parts = append(parts, "("+c.String()+")")
	}
	return strings.Join(parts, " ")
}
