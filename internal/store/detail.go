package store

import (
	"sort"

	"github.com/jason-s-yu/wordle-multi/internal/models"
)

// Summary projects a lobby row into its list form.
func Summary(l models.Lobby, ownerName string, playerCount int) models.LobbySummary {
	return models.LobbySummary{
		ID:               l.ID,
		Name:             l.Name,
		OwnerID:          l.OwnerID,
		OwnerUsername:    ownerName,
		MaxPlayers:       l.MaxPlayers,
		NumberOfRounds:   l.NumberOfRounds,
		RoundTimeSeconds: l.RoundTimeSeconds,
		Status:           l.Status,
		PlayerCount:      playerCount,
		CreatedAt:        l.CreatedAt,
	}
}

// BuildDetail assembles a LobbyDetail. names maps user id to display name;
// missing entries fall back to models.FallbackUsername.
func BuildDetail(l models.Lobby, members []models.Membership, names map[int64]string) *models.LobbyDetail {
	name := func(id int64) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return models.FallbackUsername(id)
	}

	players := make([]models.MemberView, 0, len(members))
	for _, m := range members {
		players = append(players, models.MemberView{
			UserID:           m.UserID,
			Username:         name(m.UserID),
			JoinOrder:        m.JoinOrder,
			ConnectionStatus: m.ConnectionStatus,
			IsOwner:          m.UserID == l.OwnerID,
		})
	}
	sort.Slice(players, func(i, j int) bool { return players[i].JoinOrder < players[j].JoinOrder })

	return &models.LobbyDetail{
		Lobby:   Summary(l, name(l.OwnerID), len(members)),
		Players: players,
	}
}
