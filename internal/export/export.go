// Package export renders a trip plan as shareable documents: a printable PDF
// itinerary and an iCalendar feed with one event per confirmed segment.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/jung-kurt/gofpdf"
	"github.com/samber/lo"

	"github.com/voyatrip/voya/internal/agent/core"
)

// ErrNoConfirmedSegments is returned when a trip has nothing to export yet.
var ErrNoConfirmedSegments = errors.New("trip has no confirmed segments")

const calendarProductID = "-//Voya//Trip Planner//EN"

func confirmedSegments(trip *core.TripPlan) []core.Segment {
	return lo.Filter(trip.Segments, func(seg core.Segment, _ int) bool {
		return seg.Status == core.SegmentConfirmed && seg.SelectedOption != nil
	})
}

// PDF renders the confirmed itinerary as an A4 document.
func PDF(trip *core.TripPlan) ([]byte, error) {
	segs := confirmedSegments(trip)
	if len(segs) == 0 {
		return nil, ErrNoConfirmedSegments
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFillColor(12, 62, 80)
	pdf.Rect(0, 0, 210, 26, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetXY(20, 7)
	pdf.CellFormat(100, 10, "Voya", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetXY(20, 16)
	pdf.CellFormat(170, 6, "Trip itinerary", "", 1, "L", false, 0, "")

	pdf.SetY(34)
	pdf.SetTextColor(0, 0, 0)

	sectionHeader := func(title string) {
		pdf.SetFillColor(12, 62, 80)
		pdf.SetTextColor(255, 255, 255)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(170, 8, "  "+title, "", 1, "L", true, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(2)
	}
	row := func(label, value string) {
		if value == "" {
			return
		}
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(45, 6, label, "", 0, "L", false, 0, "")
		pdf.SetTextColor(20, 20, 20)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.MultiCell(125, 6, value, "", "L", false)
	}

	title := strings.TrimSpace(trip.Title)
	if title == "" {
		title = "Trip " + trip.ID
	}
	sectionHeader(title)
	if trip.HomeCity != "" {
		row("From", trip.HomeCity)
	}
	if trip.Travelers > 0 {
		row("Travelers", fmt.Sprintf("%d", trip.Travelers))
	}
	row("Status", string(trip.Status))
	row("Generated", time.Now().UTC().Format("02 Jan 2006 15:04 UTC"))
	pdf.Ln(4)

	for _, seg := range segs {
		sel := seg.SelectedOption
		sectionHeader(strings.ToUpper(string(seg.Type)))
		row("Provider", sel.Provider)
		for _, r := range optionRows(seg) {
			row(r[0], r[1])
		}
		row("Price", sel.Price.String())
		pdf.Ln(4)
	}

	total := trip.ConfirmedTotal()
	pdf.SetFillColor(226, 162, 73)
	pdf.SetTextColor(12, 62, 80)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(45, 9, "TOTAL", "", 0, "L", true, 0, "")
	pdf.CellFormat(125, 9, total.String(), "", 1, "L", true, 0, "")
	pdf.SetTextColor(0, 0, 0)

	pdf.SetY(-22)
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.3)
	pdf.Line(20, pdf.GetY(), 190, pdf.GetY())
	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetTextColor(150, 150, 150)
	pdf.CellFormat(0, 8, "Generated by Voya. Bookings are subject to provider confirmation.",
		"", 0, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// ICS renders the confirmed segments as calendar events. Flights span
// departure to arrival, hotel stays are all-day spans over the nights booked
// and transfers block one hour from pickup. Segments whose selected option
// carries no parseable times are left out of the feed.
func ICS(trip *core.TripPlan) (string, error) {
	segs := confirmedSegments(trip)
	if len(segs) == 0 {
		return "", ErrNoConfirmedSegments
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(calendarProductID)
	name := strings.TrimSpace(trip.Title)
	if name == "" {
		name = "Voya trip"
	}
	cal.SetName(name)
	cal.SetXWRCalName(name)

	now := time.Now().UTC()
	stamp := func(ev *ics.VEvent, description string) {
		ev.SetCreatedTime(now)
		ev.SetDtStampTime(now)
		ev.SetStatus(ics.ObjectStatusConfirmed)
		if description != "" {
			ev.SetDescription(description)
		}
	}

	for _, seg := range segs {
		sel := seg.SelectedOption
		switch seg.Type {
		case core.SegmentFlight:
			start, ok := parseWhen(detail(sel, "departure_time"))
			if !ok {
				continue
			}
			ev := cal.AddEvent(seg.ID)
			stamp(ev, sel.Summary)
			ev.SetStartAt(start)
			if end, ok := parseWhen(detail(sel, "arrival_time")); ok {
				ev.SetEndAt(end)
			} else {
				ev.SetEndAt(start.Add(2 * time.Hour))
			}
			ev.SetSummary(flightEventSummary(sel))
			if origin := detail(sel, "origin"); origin != "" {
				ev.SetLocation(origin)
			}
		case core.SegmentHotel:
			checkIn, ok := parseWhen(detail(sel, "check_in"))
			if !ok {
				continue
			}
			ev := cal.AddEvent(seg.ID)
			stamp(ev, sel.Summary)
			ev.SetAllDayStartAt(checkIn)
			// DTEND is exclusive for all-day events, so the checkout date
			// bounds the nights booked.
			if checkOut, ok := parseWhen(detail(sel, "check_out")); ok {
				ev.SetAllDayEndAt(checkOut)
			}
			hotel := detail(sel, "hotel_name")
			if hotel == "" {
				hotel = sel.Provider
			}
			ev.SetSummary("Hotel: " + hotel)
			if city := detail(sel, "city"); city != "" {
				ev.SetLocation(city)
			}
		case core.SegmentTransfer:
			pickup, ok := parseWhen(detail(sel, "pickup_datetime"))
			if !ok {
				continue
			}
			ev := cal.AddEvent(seg.ID)
			stamp(ev, sel.Summary)
			ev.SetStartAt(pickup)
			ev.SetEndAt(pickup.Add(time.Hour))
			ev.SetSummary(transferEventSummary(sel))
			if from := detail(sel, "pickup"); from != "" {
				ev.SetLocation(from)
			}
		}
	}
	return cal.Serialize(), nil
}

func optionRows(seg core.Segment) [][2]string {
	sel := seg.SelectedOption
	var rows [][2]string
	add := func(label, value string) {
		if value != "" {
			rows = append(rows, [2]string{label, value})
		}
	}

	switch seg.Type {
	case core.SegmentFlight:
		if origin := detail(sel, "origin"); origin != "" {
			add("Route", origin+" to "+detail(sel, "destination"))
		}
		add("Flight", detail(sel, "flight_number"))
		if at, ok := parseWhen(detail(sel, "departure_time")); ok {
			add("Departs", at.Format("02 Jan 2006 15:04"))
		}
		if at, ok := parseWhen(detail(sel, "arrival_time")); ok {
			add("Arrives", at.Format("02 Jan 2006 15:04"))
		}
	case core.SegmentHotel:
		add("Hotel", detail(sel, "hotel_name"))
		if at, ok := parseWhen(detail(sel, "check_in")); ok {
			add("Check-in", at.Format("02 Jan 2006"))
		}
		if at, ok := parseWhen(detail(sel, "check_out")); ok {
			add("Check-out", at.Format("02 Jan 2006"))
		}
		add("Room", strings.ToLower(strings.ReplaceAll(detail(sel, "room"), "_", " ")))
	case core.SegmentTransfer:
		add("Pickup", detail(sel, "pickup"))
		add("Drop-off", detail(sel, "dropoff"))
		if at, ok := parseWhen(detail(sel, "pickup_datetime")); ok {
			add("Pickup at", at.Format("02 Jan 2006 15:04"))
		}
		add("Vehicle", detail(sel, "vehicle"))
	}
	return rows
}

func flightEventSummary(sel *core.Option) string {
	origin := detail(sel, "origin")
	destination := detail(sel, "destination")
	if origin == "" || destination == "" {
		return "Flight"
	}
	s := fmt.Sprintf("Flight %s to %s", origin, destination)
	if number := detail(sel, "flight_number"); number != "" {
		s += " (" + number + ")"
	}
	return s
}

func transferEventSummary(sel *core.Option) string {
	from := detail(sel, "pickup")
	to := detail(sel, "dropoff")
	if from == "" || to == "" {
		return "Transfer"
	}
	return fmt.Sprintf("Transfer %s to %s", from, to)
}

func detail(sel *core.Option, key string) string {
	if sel == nil || sel.Details == nil {
		return ""
	}
	if v, ok := sel.Details[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// parseWhen accepts the timestamp shapes the travel adapters produce: the
// zone-naive local datetimes Amadeus uses, RFC 3339 and bare dates. Naive
// times keep their wall clock.
func parseWhen(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
