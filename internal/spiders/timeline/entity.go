package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ItemKind is the kind of Entity.
const ItemKind = "tweet"

// Entity is one harvested tweet. Ref fields are set for retweets only.
type Entity struct {
	Module    string `json:"module"`
	ProfileID string `json:"profile_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	AuthorID         string `json:"tweet_author_id"`
	AuthorUsername   string `json:"tweet_author_username"`
	AuthorFullName   string `json:"tweet_author_full_name"`
	AuthorIsVerified bool   `json:"tweet_author_is_verified"`
	TweetID          string `json:"tweet_id"`
	Text             string `json:"tweet_text"`
	Permalink        string `json:"tweet_relative_permalink"`
	CreatedDate      string `json:"tweet_created_date"`
	ReTweetsCount    int    `json:"tweet_re_tweets_count"`
	LikesCount       int    `json:"tweet_likes_count"`

	RefAuthorID         string `json:"ref_tweet_author_id,omitempty"`
	RefAuthorUsername   string `json:"ref_tweet_author_username,omitempty"`
	RefAuthorFullName   string `json:"ref_tweet_author_full_name,omitempty"`
	RefAuthorIsVerified bool   `json:"ref_tweet_author_is_verified,omitempty"`
	RefTweetID          string `json:"ref_tweet_id,omitempty"`
	RefText             string `json:"ref_tweet_text,omitempty"`
	RefPermalink        string `json:"ref_tweet_relative_permalink,omitempty"`
	RefCreatedDate      string `json:"ref_tweet_created_date,omitempty"`
	RefReTweetsCount    int    `json:"ref_tweet_re_tweets_count,omitempty"`
	RefLikesCount       int    `json:"ref_tweet_likes_count,omitempty"`
}

// ItemKind implements domain.Item.
func (*Entity) ItemKind() string { return ItemKind }

// Key implements domain.Keyed.
func (e *Entity) Key() string { return e.TweetID }

type tweet struct {
	ID              string `json:"id_str"`
	UserID          string `json:"user_id_str"`
	FullText        string `json:"full_text"`
	CreatedAt       string `json:"created_at"`
	RetweetCount    int    `json:"retweet_count"`
	FavoriteCount   int    `json:"favorite_count"`
	RetweetedStatus string `json:"retweeted_status_id_str"`
}

type user struct {
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
	Verified   bool   `json:"verified"`
}

type timelineResponse struct {
	GlobalObjects struct {
		Tweets map[string]tweet `json:"tweets"`
		Users  map[string]user  `json:"users"`
	} `json:"globalObjects"`
}

// parsePage decodes a timeline response. A response without tweets means
// the timeline is exhausted.
func parsePage(body []byte, retweetsOnly bool) ([]Entity, bool, error) {
	var resp timelineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode timeline response: %w", err)
	}
	tweets := resp.GlobalObjects.Tweets
	if len(tweets) == 0 {
		return nil, true, nil
	}

	ids := make([]string, 0, len(tweets))
	for id := range tweets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return newer(ids[i], ids[j]) })

	users := resp.GlobalObjects.Users
	entities := make([]Entity, 0, len(ids))
	for _, id := range ids {
		t := tweets[id]
		if retweetsOnly && t.RetweetedStatus == "" {
			continue
		}

		author := users[t.UserID]
		e := Entity{
			AuthorID:         t.UserID,
			AuthorUsername:   author.ScreenName,
			AuthorFullName:   author.Name,
			AuthorIsVerified: author.Verified,
			TweetID:          t.ID,
			Text:             t.FullText,
			Permalink:        permalink(author.ScreenName, t.ID),
			CreatedDate:      t.CreatedAt,
			ReTweetsCount:    t.RetweetCount,
			LikesCount:       t.FavoriteCount,
		}

		if retweetsOnly {
			ref := tweets[t.RetweetedStatus]
			refAuthor := users[ref.UserID]
			e.RefAuthorID = ref.UserID
			e.RefAuthorUsername = refAuthor.ScreenName
			e.RefAuthorFullName = refAuthor.Name
			e.RefAuthorIsVerified = refAuthor.Verified
			e.RefTweetID = t.RetweetedStatus
			e.RefText = ref.FullText
			e.RefPermalink = permalink(refAuthor.ScreenName, ref.ID)
			e.RefCreatedDate = ref.CreatedAt
			e.RefReTweetsCount = ref.RetweetCount
			e.RefLikesCount = ref.FavoriteCount
		}
		entities = append(entities, e)
	}
	return entities, false, nil
}

func permalink(screenName, id string) string {
	return "/" + screenName + "/status/" + id
}

// newer orders numeric snowflake ids, largest first.
func newer(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return strings.Compare(a, b) > 0
}
