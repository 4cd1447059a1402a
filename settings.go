package tabsync

import (
	"github.com/tabsync-dev/tabsync/pkg/channel"
	"github.com/tabsync-dev/tabsync/pkg/wallet"
)

// Currency is the shared display-currency setting.
type Currency struct {
	Code string  `json:"code"`
	Rate float64 `json:"rate"`
}

// Endpoints groups the shared service URL settings.
type Endpoints struct {
	URL string `json:"url"`
}

// SharedSettings bundles typed channels for the flat shared keys. All
// instances converge on the same values; each instance holds its own
// mirrors.
type SharedSettings struct {
	// Wallets is the shared wallet list.
	Wallets *channel.Channel[[]wallet.Wallet]

	// Currency is the display currency and its exchange rate.
	Currency *channel.Channel[Currency]

	// Gateway, Bundler and Scanner are the shared service endpoints.
	Gateway *channel.Channel[Endpoints]
	Bundler *channel.Channel[Endpoints]
	Scanner *channel.Channel[Endpoints]

	// Global is the generic liveness flag: true while any instance has
	// claimed the store.
	Global *channel.Channel[bool]
}

func openSharedSettings(in *Instance) *SharedSettings {
	opts := []channel.Option{channel.WithLogger(in.log)}
	if in.cfg.Metrics != nil {
		opts = append(opts, channel.WithMetrics(in.cfg.Metrics))
	}

	return &SharedSettings{
		Wallets:  channel.Open(in.st, in.id, channel.KeyWallets, []wallet.Wallet{}, true, opts...),
		Currency: channel.Open(in.st, in.id, channel.KeyCurrency, Currency{Code: "USD", Rate: 1}, true, opts...),
		Gateway:  channel.Open(in.st, in.id, channel.KeyGateway, Endpoints{}, false, opts...),
		Bundler:  channel.Open(in.st, in.id, channel.KeyBundler, Endpoints{}, false, opts...),
		Scanner:  channel.Open(in.st, in.id, channel.KeyScanner, Endpoints{}, false, opts...),
		Global:   channel.Open(in.st, in.id, channel.KeyGlobal, true, true, opts...),
	}
}

func (s *SharedSettings) close() {
	s.Wallets.Close()
	s.Currency.Close()
	s.Gateway.Close()
	s.Bundler.Close()
	s.Scanner.Close()
	s.Global.Close()
}