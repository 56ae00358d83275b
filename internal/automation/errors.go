package automation

import "errors"

var (
	// ErrExternalCall marks an ad network failure. The tick is abandoned
	// without committing and retried on the next scheduled tick.
	ErrExternalCall = errors.New("ad network call failed")
	// ErrInconsistentExternalState is logged when the network reports a
	// status that contradicts the local state.
	ErrInconsistentExternalState = errors.New("external status contradicts local state")
	// ErrConfiguration skips the campaign until its configuration changes.
	ErrConfiguration = errors.New("automation misconfigured")
	// ErrDataIntegrity marks a single inventory item that cannot be counted.
	ErrDataIntegrity = errors.New("inventory item is missing required fields")

	// ErrCampaignBusy is returned by a forced action while another worker
	// holds the campaign lock.
	ErrCampaignBusy = errors.New("campaign locked by another worker")

	ErrCampaignNotFound = errors.New("campaign not found")
	ErrUnknownAction    = errors.New("unknown action")
)
