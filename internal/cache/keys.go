package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Key families. Every key starts with its family so a prefix glob can drop all
// derived keys without enumerating them.
const (
	OrderPattern     = "order:*"
	PlanPattern      = "plan:*"
	PlansPattern     = "plans:*"
	CategoryPattern  = "category:*"
	DashboardPattern = "dashboard:*"
)

func OrderKey(orderID string) string {
	return "order:" + orderID
}

func UserOrdersKey(userID, status string, page, limit int) string {
	if status == "" {
		status = "all"
	}
	return fmt.Sprintf("user:%s:orders:%s:%d:%d", userID, status, page, limit)
}

func UserOrdersPattern(userID string) string {
	return "user:" + userID + ":orders:*"
}

func PlanKey(planID string) string {
	return "plan:" + planID
}

// PlansFilteredKey derives a stable key from a filter value. The filter is
// canonicalized through JSON so equal filters share one entry.
func PlansFilteredKey(filter any) string {
	data, err := json.Marshal(filter)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", filter))
	}
	sum := sha256.Sum256(data)
	return "plans:filtered:" + hex.EncodeToString(sum[:8])
}

// Family returns the entity part of a key, used as the observability endpoint.
func Family(key string) string {
	family, _, _ := strings.Cut(key, ":")
	return family
}

func hasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
