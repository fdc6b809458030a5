package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tiktalk/chat-app/internal/messaging"
	"github.com/tiktalk/chat-app/internal/moderation"
	"github.com/tiktalk/chat-app/internal/protocol"
)

const (
	// repeatWindow and repeatThreshold flag addresses reported often.
	repeatWindow    = time.Hour
	repeatThreshold = 3

	archiveTimeout = 5 * time.Second
)

// reportArchive is the part of report.Archive the auditor uses.
type reportArchive interface {
	Insert(ctx context.Context, server string, r protocol.Report) error
	CountRecent(ctx context.Context, ip string, window time.Duration) (int, error)
}

type auditor struct {
	archive reportArchive
}

func newAuditor(archive reportArchive) *auditor {
	return &auditor{archive: archive}
}

// handle logs every moderation event and archives reports.
func (a *auditor) handle(ev messaging.ModerationEvent) {
	switch ev.Kind {
	case moderation.EventReport:
		a.handleReport(ev)
	case moderation.EventBan:
		var b moderation.BanEvent
		if err := json.Unmarshal(ev.Data, &b); err != nil {
			log.Printf("[auditor] bad ban event from %s: %v", ev.Server, err)
			return
		}
		log.Printf("[auditor] %s: %s banned %s (%s) permanent=%v kicked=%d",
			ev.Server, b.By, b.IP, b.Nickname, b.Permanent, b.Kicked)
	case moderation.EventUnban:
		var u moderation.UnbanEvent
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			log.Printf("[auditor] bad unban event from %s: %v", ev.Server, err)
			return
		}
		log.Printf("[auditor] %s: %s unbanned %s", ev.Server, u.By, u.IP)
	default:
		log.Printf("[auditor] %s: %s event %s", ev.Server, ev.Kind, ev.Data)
	}
}

func (a *auditor) handleReport(ev messaging.ModerationEvent) {
	var r protocol.Report
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		log.Printf("[auditor] bad report event from %s: %v", ev.Server, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := a.archive.Insert(ctx, ev.Server, r); err != nil {
		log.Printf("[auditor] archive report %s: %v", r.ID, err)
		return
	}
	log.Printf("[auditor] %s: archived report %s by %s against %s (%s)",
		ev.Server, r.ID, r.ReporterNick, r.TargetNick, r.IP)

	if r.IP == "" || r.IP == moderation.UnknownAddr {
		return
	}
	n, err := a.archive.CountRecent(ctx, r.IP, repeatWindow)
	if err != nil {
		log.Printf("[auditor] count reports for %s: %v", r.IP, err)
		return
	}
	if n >= repeatThreshold {
		log.Printf("[auditor] FLAGGED %s: %d reports in the last %s", r.IP, n, repeatWindow)
	}
}
