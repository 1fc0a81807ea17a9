package types

import "context"

// TabHost is the host's tab lifecycle capability.
type TabHost interface {
	// Tabs lists open tabs whose URL matches pattern
	// (scheme://host/path with an optional trailing '*').
	Tabs(ctx context.Context, pattern string) ([]Tab, error)

	// ActiveTab returns the focused tab.
	ActiveTab(ctx context.Context) (Tab, error)

	// Update activates the tab and, when url is non-empty, navigates it.
	Update(ctx context.Context, id TabID, active bool, url string) (Tab, error)

	// Create opens a new tab at url.
	Create(ctx context.Context, url string, active bool) (Tab, error)

	// Subscribe streams load-status notifications for one tab until
	// unsubscribe is called. The channel is closed after unsubscribe or when
	// the tab goes away.
	Subscribe(id TabID) (updates <-chan StatusUpdate, unsubscribe func(), err error)
}

// Messenger delivers a message to the agent living in a tab.
type Messenger interface {
	Send(ctx context.Context, id TabID, msg Message) error
}
