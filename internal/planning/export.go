package planning

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	SheetPlans   = "Plans"
	SheetOverdue = "Overdue"
)

// WriteWorkbook renders plans and overdue processes as an XLSX workbook.
// workshopNames maps workshop ids to display names; unknown ids print the id.
func WriteWorkbook(w io.Writer, plans []Plan, overdue []OverdueProcess, workshopNames map[int64]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), SheetPlans); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetOverdue); err != nil {
		return err
	}

	workshop := func(id int64) string {
		if name, ok := workshopNames[id]; ok {
			return name
		}
		return fmt.Sprintf("%d", id)
	}

	header := []interface{}{"id", "line", "style", "plan_date", "workshop", "overall_percent", "status"}
	for _, p := range Catalogue {
		header = append(header, fmt.Sprintf("%d. %s", p.No, p.Name))
	}
	if err := f.SetSheetRow(SheetPlans, "A1", &header); err != nil {
		return fmt.Errorf("plans header: %w", err)
	}

	for i, p := range plans {
		row := []interface{}{p.ID, p.Line, p.Style, p.PlanDate.String(), workshop(p.WorkshopID), p.OverallPercent, string(p.Status)}
		percents := make([]interface{}, ProcessCount)
		for _, proc := range p.Processes {
			if proc.No >= 1 && proc.No <= ProcessCount {
				percents[proc.No-1] = proc.Percent
			}
		}
		row = append(row, percents...)

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetPlans, cell, &row); err != nil {
			return fmt.Errorf("plans row %d: %w", i+2, err)
		}
	}

	overdueHeader := []interface{}{"plan_id", "line", "style", "plan_date", "workshop", "process", "deadline", "percent", "days_late"}
	if err := f.SetSheetRow(SheetOverdue, "A1", &overdueHeader); err != nil {
		return fmt.Errorf("overdue header: %w", err)
	}
	for i, o := range overdue {
		row := []interface{}{
			o.PlanID,
			o.Line,
			o.Style,
			o.PlanDate.String(),
			workshop(o.WorkshopID),
			fmt.Sprintf("%d. %s", o.ProcessNo, o.ProcessName),
			o.Deadline.String(),
			o.Percent,
			o.DaysLate,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetOverdue, cell, &row); err != nil {
			return fmt.Errorf("overdue row %d: %w", i+2, err)
		}
	}

	_, err := f.WriteTo(w)
	return err
}
