package trap

// Scause_t classifies a trap cause the way the scause CSR would encode
// it: an interrupt bit plus an exception/interrupt code. The simulation
// never reads a real CSR — callers construct a Scause_t directly from
// whatever triggered the simulated trap (a syscall dispatch call, a
// fault from vm.AddrSpace_t, an injected timer tick).
type Scause_t int

const (
	EcallU Scause_t = iota
	InstPageFault
	LoadPageFault
	StorePageFault
	IllegalInst
	InstAddrMisaligned
	LoadAddrMisaligned
	StoreAddrMisaligned
	TimerInterrupt
	ExternalInterrupt
	SoftwareInterrupt
	OtherTrap
)

func (sc Scause_t) IsInterrupt() bool {
	switch sc {
	case TimerInterrupt, ExternalInterrupt, SoftwareInterrupt:
		return true
	default:
		return false
	}
}

func (sc Scause_t) String() string {
	switch sc {
	case EcallU:
		return "EcallU"
	case InstPageFault:
		return "InstPageFault"
	case LoadPageFault:
		return "LoadPageFault"
	case StorePageFault:
		return "StorePageFault"
	case IllegalInst:
		return "IllegalInst"
	case InstAddrMisaligned, LoadAddrMisaligned, StoreAddrMisaligned:
		return "AddrMisaligned"
	case TimerInterrupt:
		return "Interrupt::Timer"
	case ExternalInterrupt:
		return "Interrupt::External"
	case SoftwareInterrupt:
		return "Interrupt::Software"
	default:
		return "OtherTrap"
	}
}
