// Package export writes visit history as an Excel workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"fieldcrm/internal/views"
)

// SheetName is the worksheet holding the visits.
const SheetName = "Visits"

var headers = []string{
	"Submitted", "Company", "City", "Salesperson", "Contact", "Outcome",
	"Order Value", "Duration (min)", "Check-in Location", "Next Follow-up", "Notes",
}

// VisitHistory writes one row per history entry, newest first as given.
// Times are rendered in loc.
func VisitHistory(w io.Writer, rows []views.HistoryRow, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6E6FA"}, Pattern: 1},
	})
	if err == nil {
		_ = f.SetRowStyle(SheetName, 1, 1, headerStyle)
	}

	for r, row := range rows {
		values := rowValues(row, loc)
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return err
			}
		}
	}
	_ = f.SetColWidth(SheetName, "A", "K", 18)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func rowValues(row views.HistoryRow, loc *time.Location) []any {
	rep := row.Report
	contact, outcome, notes, next, location := "", "", "", "", "N/A"
	var value any = ""
	var duration any = ""
	if rep.ActualContact != nil {
		contact = rep.ActualContact.Name
	}
	if rep.Outcome != nil {
		outcome = rep.Outcome.Label()
	}
	if rep.OrderValue != nil {
		value = *rep.OrderValue
	}
	if rep.VisitDuration != nil {
		duration = *rep.VisitDuration
	}
	if rep.Notes != nil {
		notes = *rep.Notes
	}
	if rep.NextFollowUpAt != nil {
		next = rep.NextFollowUpAt.In(loc).Format("2006-01-02")
	}
	if rep.CheckIn != nil && rep.CheckIn.GPS != nil {
		location = fmt.Sprintf("%.6f, %.6f", rep.CheckIn.GPS.Lat, rep.CheckIn.GPS.Lng)
	}
	city := ""
	if row.Company != nil {
		city = row.Company.Address.City
	}
	return []any{
		rep.SubmittedAt.In(loc).Format("2006-01-02 15:04"),
		row.CompanyName(),
		city,
		row.SalespersonName(),
		contact,
		outcome,
		value,
		duration,
		location,
		next,
		notes,
	}
}
