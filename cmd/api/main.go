package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"tenderflow/audit"
	"tenderflow/bid"
	"tenderflow/config"
	"tenderflow/db"
	"tenderflow/dispute"
	"tenderflow/escrow"
	"tenderflow/notice"
	"tenderflow/tender"
)

// auditFacade joins the committed-history read path with chain verification
// for the audit endpoint.
type auditFacade struct {
	store  *audit.PGStore
	ledger *audit.Ledger
}

func (a auditFacade) Entries(ctx context.Context, tenderID string, fromSeq, toSeq int) ([]audit.Entry, error) {
	return a.store.Range(ctx, tenderID, fromSeq, toSeq)
}

func (a auditFacade) VerifyChain(ctx context.Context, tenderID string, fromSeq, toSeq int) (bool, error) {
	return a.ledger.VerifyChain(ctx, tenderID, fromSeq, toSeq)
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cal, err := cfg.NewCalendar()
	if err != nil {
		log.Fatalf("build calendar: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	auditStore := audit.NewPGStore(pool)
	ledger := audit.NewLedger(auditStore)

	stages := tender.NewStageService(pool, tender.NewPGStore(pool), ledger, cal)
	machine := stages.Machine()

	noticeStore := notice.NewPGStore(pool)
	notices := notice.NewController(pool, noticeStore, machine, ledger, cal, cfg.StandstillDays)

	bidStore := bid.NewPGStore(pool)
	bids := bid.NewService(pool, bidStore, machine, notices, ledger, cal)

	var provider escrow.Provider
	switch cfg.Escrow.Provider {
	case "mock":
		provider = escrow.NewMockProvider()
	default:
		log.Fatalf("unknown escrow provider %q", cfg.Escrow.Provider)
	}
	escrows := escrow.NewService(pool, escrow.NewPGStore(pool), provider, ledger, cfg.Escrow.ProviderTimeout())

	disputes := dispute.NewController(pool, dispute.NewPGStore(pool), noticeStore, escrows, bidStore, machine, ledger, cal)

	server := &Server{
		stages:   stages,
		bids:     bids,
		notices:  notices,
		disputes: disputes,
		escrows:  escrows,
		audits:   auditFacade{store: auditStore, ledger: ledger},
	}

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
