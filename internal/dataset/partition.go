package dataset

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat/combin"
)

// Partition is the slice of the training set one client owns.
type Partition struct {
	Client        int   `json:"client"`
	Indices       []int `json:"indices"`
	AttackClasses []int `json:"attack_classes"`
}

// PartitionByAttackClass gives every client an equal share of the normal
// rows plus rows from one combination of degree attack classes. The
// combinations are enumerated in lexicographic order and cycled until
// every client has one. Rows are handed out in index order without
// replacement; a class that runs short gives away what it has left.
func PartitionByAttackClass(d Dataset, clients, degree int) ([]Partition, error) {
	if clients < 1 {
		return nil, fmt.Errorf("clients must be >= 1, got %d", clients)
	}
	byClass := make(map[int][]int)
	for i, y := range d.Y {
		byClass[y] = append(byClass[y], i)
	}
	var attacks []int
	for class := range byClass {
		if class != 0 {
			attacks = append(attacks, class)
		}
	}
	sort.Ints(attacks)
	if degree < 0 || degree > len(attacks) {
		return nil, fmt.Errorf("degree %d out of range for %d attack classes", degree, len(attacks))
	}

	normal := byClass[0]
	perNormal := len(normal) / clients
	perAttack := 0
	if degree > 0 {
		perAttack = len(normal) / (clients * degree)
	}

	combos := combin.Combinations(len(attacks), degree)
	parts := make([]Partition, clients)
	for c := range parts {
		picked := combos[c%len(combos)]
		classes := make([]int, len(picked))
		for i, j := range picked {
			classes[i] = attacks[j]
		}
		part := Partition{Client: c, AttackClasses: classes}
		part.Indices = append(part.Indices, normal[c*perNormal:(c+1)*perNormal]...)
		for _, class := range classes {
			pool := byClass[class]
			take := perAttack
			if take > len(pool) {
				take = len(pool)
			}
			part.Indices = append(part.Indices, pool[:take]...)
			byClass[class] = pool[take:]
		}
		parts[c] = part
	}
	return parts, nil
}
