package replication

import (
	"sort"

	"github.com/ValentinKolb/dDir/lib/syncutil"
)

// UpdateToUSNList returns the distinct supplier usns carried by the
// attribute metadata of an update in ascending order.
func UpdateToUSNList(u *Update) *syncutil.LinkedList[uint64] {
	list := syncutil.NewLinkedList[uint64]()
	if u == nil {
		return list
	}

	seen := make(map[uint64]struct{}, len(u.MetaData))
	usns := make([]uint64, 0, len(u.MetaData))
	for _, md := range u.MetaData {
		if md == nil {
			continue
		}
		if _, ok := seen[md.LocalUsn]; ok {
			continue
		}
		seen[md.LocalUsn] = struct{}{}
		usns = append(usns, md.LocalUsn)
	}
	sort.Slice(usns, func(i, j int) bool { return usns[i] < usns[j] })

	for _, usn := range usns {
		list.InsertTail(usn)
	}
	return list
}
