// notifications.go - Overdue process digests for plan creators.
package server

import (
	"bytes"
	"context"
	"html/template"
	"sort"
	"time"

	"go.uber.org/zap"

	"changeover-planner/internal/planning"
)

type overdueSource interface {
	Overdue(ctx context.Context, scope planning.Scope) ([]planning.OverdueProcess, error)
}

// NotifierConfig controls the deadline digest job. Whether mail really
// goes out is up to the Mailer.
type NotifierConfig struct {
	Interval time.Duration
}

// Digest is the overdue list for one recipient.
type Digest struct {
	Email string
	Items []planning.OverdueProcess
}

// groupByCreator builds one digest per creator address. Rows without an
// address are dropped.
func groupByCreator(rows []planning.OverdueProcess) []Digest {
	byEmail := map[string][]planning.OverdueProcess{}
	for _, r := range rows {
		if r.CreatorEmail == "" {
			continue
		}
		byEmail[r.CreatorEmail] = append(byEmail[r.CreatorEmail], r)
	}
	out := make([]Digest, 0, len(byEmail))
	for email, items := range byEmail {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].DaysLate != items[j].DaysLate {
				return items[i].DaysLate > items[j].DaysLate
			}
			if items[i].PlanID != items[j].PlanID {
				return items[i].PlanID < items[j].PlanID
			}
			return items[i].ProcessNo < items[j].ProcessNo
		})
		out = append(out, Digest{Email: email, Items: items})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

var digestTemplate = template.Must(template.New("digest").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #333;">
<h2>Overdue change-over processes</h2>
<p>{{len .Items}} process(es) on your plans are past their deadline.</p>
<table cellpadding="4" style="border-collapse: collapse;">
<tr><th align="left">Line</th><th align="left">Style</th><th align="left">Plan date</th><th align="left">Process</th><th align="left">Deadline</th><th align="right">Done</th><th align="right">Days late</th></tr>
{{range .Items}}<tr><td>{{.Line}}</td><td>{{.Style}}</td><td>{{.PlanDate}}</td><td>{{.ProcessNo}}. {{.ProcessName}}</td><td>{{.Deadline}}</td><td align="right">{{.Percent}}%</td><td align="right">{{.DaysLate}}</td></tr>
{{end}}</table>
</body>
</html>`))

func renderDigest(d Digest) (string, error) {
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RunDeadlineNotifier mails each plan creator a digest of their overdue
// processes every Interval until ctx ends.
func RunDeadlineNotifier(ctx context.Context, cfg NotifierConfig, src overdueSource, mail Mailer, log *zap.Logger) {
	log = log.Named("notifier")
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	log.Info("starting", zap.Duration("interval", cfg.Interval))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting_down")
			return
		case <-ticker.C:
			sent, err := notifyOverdue(ctx, src, mail, log)
			if err != nil {
				log.Error("digest_failed", zap.Error(err))
				continue
			}
			log.Info("digests_sent", zap.Int("count", sent))
		}
	}
}

// notifyOverdue sends the digests and returns how many went out. A failed
// send is logged and does not stop the others.
func notifyOverdue(ctx context.Context, src overdueSource, mail Mailer, log *zap.Logger) (int, error) {
	rows, err := src.Overdue(ctx, allWorkshops)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range groupByCreator(rows) {
		body, err := renderDigest(d)
		if err != nil {
			return sent, err
		}
		if err := mail.Send(d.Email, "Overdue change-over processes", body); err != nil {
			log.Warn("digest_send_failed", zap.String("to", d.Email), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}
