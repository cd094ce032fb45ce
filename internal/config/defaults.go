package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
)

// Default returns the reference configuration: six symbols in three
// sectors, an always-open market and the game's risk limits.
func Default() *Config {
	return &Config{
		Symbols: []Symbol{
			{Ticker: "NOVA", Company: "Nova Dynamics", Sector: "tech", BasePrice: 185.00, BaseVolatility: 0.35, BaseVolume: 12_000_000},
			{Ticker: "QBIT", Company: "Qbit Quantum", Sector: "tech", BasePrice: 92.50, BaseVolatility: 0.45, BaseVolume: 8_000_000},
			{Ticker: "LEDG", Company: "Ledger Capital", Sector: "finance", BasePrice: 78.50, BaseVolatility: 0.20, BaseVolume: 6_000_000},
			{Ticker: "VALT", Company: "Vault Securities", Sector: "finance", BasePrice: 125.00, BaseVolatility: 0.18, BaseVolume: 5_000_000},
			{Ticker: "VOLT", Company: "Volt Energy", Sector: "energy", BasePrice: 98.00, BaseVolatility: 0.30, BaseVolume: 7_000_000},
			{Ticker: "SOLR", Company: "Solaris Power", Sector: "energy", BasePrice: 42.50, BaseVolatility: 0.40, BaseVolume: 9_000_000},
		},
		Simulation: Simulation{
			MinPrice:                   1.00,
			MaxPrice:                   10_000,
			MaxChange:                  0.10,
			RiskFreeRate:               0.05,
			BaseSpreadBps:              10,
			SpreadVolatilityMultiplier: 2.0,
			VolumeScale:                100,
			SectorWeight:               0.3,
			MaxVolatility:              2.0,
			MaxEventImpact:             0.1,
			MinStep:                    time.Second,
			RegimeMultipliers: map[model.VolatilityRegime]float64{
				model.RegimeLow:     0.7,
				model.RegimeNormal:  1.0,
				model.RegimeHigh:    1.5,
				model.RegimeExtreme: 2.0,
			},
		},
		Events: Events{
			Cooldown: 5 * time.Minute,
			Flavors: []string{
				"analysts scramble to revise targets",
				"options desks report heavy call buying",
				"retail forums light up",
				"short sellers circle",
				"institutional flows shift overnight",
			},
			Templates: map[model.EventType]EventTemplate{
				model.EventEarnings: {
					Probability: 0.05, MinImpact: 0.02, MaxImpact: 0.08,
					MinDuration: 30, MaxDuration: 120,
					Titles:       []string{"{company} ({symbol}) reports quarterly earnings"},
					Descriptions: []string{"{company} posts results that surprise the street; {flavor}."},
				},
				model.EventNews: {
					Probability: 0.08, MinImpact: 0.01, MaxImpact: 0.05,
					MinDuration: 15, MaxDuration: 60,
					Titles:       []string{"Breaking: {company} in the headlines", "{symbol} moves on company news"},
					Descriptions: []string{"Fresh reports about {company} hit the wires; {flavor}."},
				},
				model.EventSectorRotation: {
					Probability: 0.03, MinImpact: 0.02, MaxImpact: 0.06,
					MinDuration: 60, MaxDuration: 180,
					Titles:       []string{"Money rotates through {sector}"},
					Descriptions: []string{"Funds reposition around the {sector} sector; {flavor}."},
				},
				model.EventVolatilitySpike: {
					Probability: 0.02, MinImpact: 0.3, MaxImpact: 0.8,
					MinDuration: 20, MaxDuration: 60,
					Titles:       []string{"Volatility spikes across the market"},
					Descriptions: []string{"Fear gauges jump as {flavor}."},
				},
				model.EventMarketWide: {
					Probability: 0.01, MinImpact: 0.03, MaxImpact: 0.10,
					MinDuration: 60, MaxDuration: 240,
					Titles:       []string{"Macro shock hits the whole market"},
					Descriptions: []string{"A surprise policy announcement ripples through every sector; {flavor}."},
				},
			},
		},
		Risk: Risk{
			StartingCash:        decimal.NewFromInt(10_000),
			MaxOrderValue:       decimal.NewFromInt(50_000),
			MinCashReserve:      decimal.NewFromInt(100),
			MaxPositionFraction: decimal.NewFromFloat(0.5),
			MaxSectorFraction:   decimal.NewFromFloat(0.8),
		},
		Hours: Hours{
			AlwaysOpen: true,
			Timezone:   "America/New_York",
			Open:       "09:30",
			Close:      "16:00",
			Weekdays:   []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
		},
		Service: Service{
			Port:         "8080",
			CacheTTL:     30 * time.Second,
			KafkaTopic:   "market.quotes",
			TickInterval: 5 * time.Second,
			StoreTimeout: 2 * time.Second,
			AuditBuffer:  1024,
			Seed:         0,
		},
	}
}
