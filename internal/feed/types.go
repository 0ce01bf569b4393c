package feed

// Wire types mirror the upstream drops snapshot endpoint. Field names follow
// the upstream JSON (camelCase), timestamps are RFC3339 strings.

// StatusActive is the reward status that qualifies a campaign for
// announcement. Anything else (EXPIRED, UPCOMING, ...) is recorded but
// withheld.
const StatusActive = "ACTIVE"

type Drop struct {
	GameID          string   `json:"gameId"`
	GameDisplayName string   `json:"gameDisplayName"`
	GameBoxArtURL   string   `json:"gameBoxArtURL"`
	StartAt         string   `json:"startAt"`
	EndAt           string   `json:"endAt"`
	Rewards         []Reward `json:"rewards"`
}

type Reward struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	StartAt        string `json:"startAt"`
	EndAt          string `json:"endAt"`
	ImageURL       string `json:"imageURL"`
	DetailsURL     string `json:"detailsURL"`
	TimeBasedDrops []Tier `json:"timeBasedDrops"`
}

// Tier is one sub-requirement within a campaign: watch N minutes and/or hold
// N subscriptions for one benefit.
type Tier struct {
	Name                   string `json:"name"`
	RequiredMinutesWatched int    `json:"requiredMinutesWatched"`
	RequiredSubs           int    `json:"requiredSubs"`
}

func (r Reward) Active() bool { return r.Status == StatusActive }
