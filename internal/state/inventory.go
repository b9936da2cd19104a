package state

import "sort"

// GroupFunc names the inventory group an address belongs to.
type GroupFunc func(address string, st AddressState) string

// InventoryGroup is one group of the dynamic inventory document.
type InventoryGroup struct {
	Hosts []string `json:"hosts"`
}

// Inventory is the dynamic inventory document consumed by the mitigation
// executor: groups keyed by name plus the _meta block.
type Inventory map[string]any

// HostName formats a mitigation target the way the executor connects to it.
func HostName(sshUser, address string) string {
	if sshUser == "" {
		return address
	}
	return sshUser + "@" + address
}

// BuildInventory lists every address still awaiting a successful mitigation.
func BuildInventory(snap Snapshot, sshUser string, group GroupFunc) Inventory {
	groups := make(map[string][]string)
	for addr, st := range snap.Addresses {
		if st.Status == StatusCompleted {
			continue
		}
		g := group(addr, st)
		groups[g] = append(groups[g], HostName(sshUser, addr))
	}

	inv := Inventory{
		"_meta": map[string]any{"hostvars": map[string]any{}},
	}
	for g, hosts := range groups {
		sort.Strings(hosts)
		inv[g] = InventoryGroup{Hosts: hosts}
	}
	return inv
}
