package crypto

import (
	"github.com/nbutton23/zxcvbn-go"
)

// Strength summarises a zxcvbn estimate.
type Strength struct {
	Score       int     // 0 (weak) .. 4 (strong)
	Entropy     float64 // bits
	CrackTime   string
	Description string
}

var scoreLabels = []string{"very weak", "weak", "fair", "strong", "very strong"}

// EstimateStrength scores password, penalising any of the userInputs (service
// names, identifiers) appearing in it.
func EstimateStrength(password string, userInputs ...string) Strength {
	m := zxcvbn.PasswordStrength(password, userInputs)
	score := m.Score
	if score < 0 {
		score = 0
	}
	if score >= len(scoreLabels) {
		score = len(scoreLabels) - 1
	}
	return Strength{
		Score:       score,
		Entropy:     m.Entropy,
		CrackTime:   m.CrackTimeDisplay,
		Description: scoreLabels[score],
	}
}
