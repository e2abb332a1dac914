// Package bounds names the resource-budget categories charged by res.
// Every loop that may fault in a fresh frame per iteration (copy_to_user,
// copy_from_user, iovec transfers) must charge one unit per iteration so a
// user process cannot force the kernel to allocate unbounded memory from a
// single syscall.
package bounds

// Bound_t identifies a call site that charges against the heap-growth
// budget (res.Resadd_noblock). Values are distinct so a budget violation's
// log line can name the offending path.
type Bound_t int

const (
	B_ASPACE_T_K2USER_INNER Bound_t = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_VFS_READAT
	B_VFS_WRITEAT
)

func (b Bound_t) String() string {
	switch b {
	case B_ASPACE_T_K2USER_INNER:
		return "k2user_inner"
	case B_ASPACE_T_USER2K_INNER:
		return "user2k_inner"
	case B_USERBUF_T__TX:
		return "userbuf.tx"
	case B_USERIOVEC_T_IOV_INIT:
		return "useriovec.init"
	case B_USERIOVEC_T__TX:
		return "useriovec.tx"
	case B_VFS_READAT:
		return "vfs.readat"
	case B_VFS_WRITEAT:
		return "vfs.writeat"
	default:
		return "bound(?)"
	}
}
