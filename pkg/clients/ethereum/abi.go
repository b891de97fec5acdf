package ethereum

// SovadGsAbi covers the treasury contract functions the ledger calls.
const SovadGsAbi = `[
	{"name":"claimDirect","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"adminTopup","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"getTreasuryBalance","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// SovAdsManagerAbi covers the read-only vault views of the campaign manager.
const SovAdsManagerAbi = `[
	{"name":"getCampaignVault","type":"function","stateMutability":"view","inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[{"name":"totalFunded","type":"uint256"},{"name":"locked","type":"uint256"},{"name":"claimed","type":"uint256"}]},
	{"name":"getBalanceInfo","type":"function","stateMutability":"view","inputs":[{"name":"campaignId","type":"uint256"},{"name":"user","type":"address"}],"outputs":[{"name":"accrued","type":"uint256"},{"name":"claimed","type":"uint256"}]},
	{"name":"impressionRate","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"clickRate","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`
