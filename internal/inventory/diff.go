package inventory

import "reflect"

// Update pairs a remote row's identity with the fields that changed.
type Update struct {
	RemoteID any
	Fields   Row
}

// Diff is the outcome of comparing local rows against a remote snapshot:
// rows to create, rows to update (keyed by remote id), and remote ids to
// delete.
type Diff struct {
	Creates []Row
	Updates []Update
	Deletes []any
}

// compareData implements the three-way diff. For multi-row keys (non-empty
// PrimaryKey) it indexes remote rows by primary key; local rows absent
// remotely are creates, rows present in both but field-wise unequal are
// updates, and remote rows unmentioned locally are deletes. Singleton keys
// (empty PrimaryKey) either create (remote empty) or update (remote
// present and unequal); they never delete.
//
// darwin strips the `arch` field from `packages` rows before comparison,
// and every `addresses` row has a null `broadcast` field normalized to "" — both
// quirks exist because the control plane's schema diverges from the local
// fact source for those fields, not by accident.
func compareData(def KeyDef, local, remote []Row, darwin bool) Diff {
	local = normalizeRows(def, local, darwin)
	remote = normalizeRows(def, remote, darwin)

	if def.PrimaryKey == "" {
		return compareSingleton(local, remote)
	}
	return compareMultiRow(def.PrimaryKey, local, remote)
}

func normalizeRows(def KeyDef, rows []Row, darwin bool) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		r := make(Row, len(row))
		for k, v := range row {
			r[k] = v
		}
		if darwin && def.Name == "packages" {
			delete(r, "arch")
		}
		if def.Name == "addresses" {
			if v, ok := r["broadcast"]; ok && v == nil {
				r["broadcast"] = ""
			}
		}
		out[i] = r
	}
	return out
}

func compareSingleton(local, remote []Row) Diff {
	if len(local) == 0 {
		return Diff{}
	}
	if len(remote) == 0 {
		return Diff{Creates: []Row{local[0]}}
	}
	if !rowsEqual(local[0], remote[0], "id") {
		id := remote[0]["id"]
		return Diff{Updates: []Update{{RemoteID: id, Fields: local[0]}}}
	}
	return Diff{}
}

func compareMultiRow(pk string, local, remote []Row) Diff {
	remoteByPK := make(map[any]Row, len(remote))
	for _, r := range remote {
		remoteByPK[r[pk]] = r
	}

	var diff Diff
	seen := make(map[any]bool, len(local))

	for _, l := range local {
		key := l[pk]
		seen[key] = true
		r, ok := remoteByPK[key]
		if !ok {
			diff.Creates = append(diff.Creates, l)
			continue
		}
		if !rowsEqual(l, r, "id") {
			diff.Updates = append(diff.Updates, Update{RemoteID: r["id"], Fields: l})
		}
	}

	for key, r := range remoteByPK {
		if !seen[key] {
			diff.Deletes = append(diff.Deletes, r["id"])
		}
	}
	return diff
}

// rowsEqual compares two rows for equality ignoring the named server-side
// identity field, which never appears in local data.
func rowsEqual(a, b Row, ignoreField string) bool {
	for k, v := range a {
		if k == ignoreField {
			continue
		}
		if !reflect.DeepEqual(v, b[k]) {
			return false
		}
	}
	for k := range b {
		if k == ignoreField || k == "id" {
			continue
		}
		if _, ok := a[k]; !ok {
			return false
		}
	}
	return true
}
