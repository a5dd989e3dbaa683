package output

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/telekom/request-gatekeeper/pkg/api"
)

func WriteLimitsTable(w io.Writer, limits []api.ActiveLimit) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tCOUNT\tWINDOW_START\tBLOCKED\tBLOCK_EXPIRY\tLAST_SEEN")
	for _, l := range limits {
		expiry := "-"
		if l.BlockExpiry != nil {
			expiry = formatTime(*l.BlockExpiry)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			l.Key, l.Count, formatTime(l.WindowStart), yesNo(l.Blocked), expiry, formatTime(l.LastSeen))
	}
	_ = tw.Flush()
}

func WriteStatusTable(w io.Writer, s *api.LimitStatus) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tTIER\tLIMIT\tREMAINING\tALLOWED\tBLOCKED\tRESET\tRETRY_AFTER")
	retry := "-"
	if s.RetryAfter > 0 {
		retry = strconv.Itoa(s.RetryAfter) + "s"
	}
	_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
		s.Key, s.Tier, s.Limit, s.Remaining, yesNo(s.Allowed), yesNo(s.Blocked), formatTime(s.ResetTime), retry)
	_ = tw.Flush()
}

func WriteActionResult(w io.Writer, r *api.ActionResult) {
	if r.Until != nil {
		_, _ = fmt.Fprintf(w, "%s %s until %s\n", r.Key, r.Action, formatTime(*r.Until))
		return
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", r.Key, r.Action)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
