// Package metrics exposes opencensus measures and views for the marketplace
// engine.
package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Tags
var (
	Kind, _    = tag.NewKey("kind")    // offer | demand
	Outcome, _ = tag.NewKey("outcome") // approved | rejected | terminated | expired
)

// Measures
var (
	EntriesPublished  = stats.Int64("market/entries_published", "Counter for catalog entries published", stats.UnitDimensionless)
	EntriesWithdrawn  = stats.Int64("market/entries_withdrawn", "Counter for catalog entries withdrawn", stats.UnitDimensionless)
	EntriesDiscovered = stats.Int64("market/entries_discovered", "Counter for remote entries discovered", stats.UnitDimensionless)
	Matches           = stats.Int64("market/matches", "Counter for mutually satisfying pairs found", stats.UnitDimensionless)

	ProposalsSent     = stats.Int64("market/proposals_sent", "Counter for proposals sent", stats.UnitDimensionless)
	ProposalsReceived = stats.Int64("market/proposals_received", "Counter for proposals received", stats.UnitDimensionless)
	MessagesBuffered  = stats.Int64("market/messages_buffered", "Counter for out-of-order messages buffered", stats.UnitDimensionless)
	MessagesDuplicate = stats.Int64("market/messages_duplicate", "Counter for duplicate messages dropped", stats.UnitDimensionless)
	SendRetries       = stats.Int64("market/send_retries", "Counter for message send retries", stats.UnitDimensionless)

	ThreadsOpened   = stats.Int64("market/threads_opened", "Counter for negotiation threads opened", stats.UnitDimensionless)
	ThreadsTerminal = stats.Int64("market/threads_terminal", "Counter for threads reaching a terminal state", stats.UnitDimensionless)

	AgreementsConfirmed = stats.Int64("market/agreements_confirmed", "Counter for agreements confirmed", stats.UnitDimensionless)
	Sweeps              = stats.Int64("market/sweeps", "Counter for sweeper passes", stats.UnitDimensionless)
)

// Views
var (
	EntriesPublishedView = &view.View{
		Measure:     EntriesPublished,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Kind},
	}
	EntriesWithdrawnView = &view.View{
		Measure:     EntriesWithdrawn,
		Aggregation: view.Count(),
	}
	EntriesDiscoveredView = &view.View{
		Measure:     EntriesDiscovered,
		Aggregation: view.Count(),
	}
	MatchesView = &view.View{
		Measure:     Matches,
		Aggregation: view.Count(),
	}
	ProposalsSentView = &view.View{
		Measure:     ProposalsSent,
		Aggregation: view.Count(),
	}
	ProposalsReceivedView = &view.View{
		Measure:     ProposalsReceived,
		Aggregation: view.Count(),
	}
	MessagesBufferedView = &view.View{
		Measure:     MessagesBuffered,
		Aggregation: view.Count(),
	}
	MessagesDuplicateView = &view.View{
		Measure:     MessagesDuplicate,
		Aggregation: view.Count(),
	}
	SendRetriesView = &view.View{
		Measure:     SendRetries,
		Aggregation: view.Count(),
	}
	ThreadsOpenedView = &view.View{
		Measure:     ThreadsOpened,
		Aggregation: view.Count(),
	}
	ThreadsTerminalView = &view.View{
		Measure:     ThreadsTerminal,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
	AgreementsConfirmedView = &view.View{
		Measure:     AgreementsConfirmed,
		Aggregation: view.Count(),
	}
	SweepsView = &view.View{
		Measure:     Sweeps,
		Aggregation: view.Count(),
	}
)

// DefaultViews is the set of views a daemon should register.
var DefaultViews = []*view.View{
	EntriesPublishedView,
	EntriesWithdrawnView,
	EntriesDiscoveredView,
	MatchesView,
	ProposalsSentView,
	ProposalsReceivedView,
	MessagesBufferedView,
	MessagesDuplicateView,
	SendRetriesView,
	ThreadsOpenedView,
	ThreadsTerminalView,
	AgreementsConfirmedView,
	SweepsView,
}

func RecordPublishedEntry(ctx context.Context, kind string) {
	ctx, _ = tag.New(ctx, tag.Upsert(Kind, kind))
	stats.Record(ctx, EntriesPublished.M(1))
}

func RecordDiscoveredEntry(ctx context.Context) {
	stats.Record(ctx, EntriesDiscovered.M(1))
}

func RecordMatch(ctx context.Context) {
	stats.Record(ctx, Matches.M(1))
}

func RecordTerminal(ctx context.Context, outcome string) {
	ctx, _ = tag.New(ctx, tag.Upsert(Outcome, outcome))
	stats.Record(ctx, ThreadsTerminal.M(1))
}
