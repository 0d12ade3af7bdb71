// Package rpc defines the wire protocol between wardend and its
// clients: a unix stream socket carrying length-delimited protobuf
// messages. The message codecs are written against protowire directly
// so the daemon owns its framing; the schema below is the contract.
//
//	message Request {
//	  string op         = 1;
//	  string name       = 2;  // container name, volume path or layer name
//	  string key        = 3;
//	  string value      = 4;
//	  uint64 timeout_ms = 5;
//	  int32  signal     = 6;
//	  repeated string names = 7;
//	  repeated string keys  = 8;
//	  VolumeSpec volume = 9;
//	  string tarball    = 10;
//	  uint32 flags      = 11;
//	}
//
//	message Response {
//	  int32  error     = 1;   // errdefs.Kind
//	  string error_msg = 2;
//	  string value     = 3;
//	  repeated string list       = 4;
//	  repeated KeyValue pairs    = 5;
//	  repeated VolumeInfo volumes = 6;
//	  string wait_name  = 7;
//	  string wait_state = 8;
//	  string version    = 9;
//	}
package rpc

// Op names every request type.
type Op string

const (
	OpCreate        Op = "Create"
	OpDestroy       Op = "Destroy"
	OpStart         Op = "Start"
	OpStop          Op = "Stop"
	OpKill          Op = "Kill"
	OpPause         Op = "Pause"
	OpResume        Op = "Resume"
	OpList          Op = "List"
	OpGetProperty   Op = "GetProperty"
	OpSetProperty   Op = "SetProperty"
	OpGetData       Op = "GetData"
	OpGet           Op = "Get"
	OpPropertyList  Op = "PropertyList"
	OpDataList      Op = "DataList"
	OpWait          Op = "Wait"
	OpCreateVolume  Op = "CreateVolume"
	OpDestroyVolume Op = "DestroyVolume"
	OpLinkVolume    Op = "LinkVolume"
	OpUnlinkVolume  Op = "UnlinkVolume"
	OpListVolumes   Op = "ListVolumes"
	OpImportLayer   Op = "ImportLayer"
	OpExportLayer   Op = "ExportLayer"
	OpRemoveLayer   Op = "RemoveLayer"
	OpListLayers    Op = "ListLayers"
	OpVersion       Op = "Version"
)

// Get flags.
const (
	GetSync     uint32 = 1 << 0 // carried on the wire; the server does not act on it
	GetReal     uint32 = 1 << 1 // skip meta containers
	GetNonBlock uint32 = 1 << 2 // carried on the wire; the server does not act on it
)

// VolumeSpec mirrors volume.Spec on the wire.
type VolumeSpec struct {
	Path     string
	Layer    string
	Backend  string
	Quota    int64
	ReadOnly bool
	Uid      uint32
	Gid      uint32
	Private  string
}

// VolumeInfo is one ListVolumes row.
type VolumeInfo struct {
	Path    string
	Backend string
	Layer   string
	Quota   int64
	Links   []string
}

// KeyValue is one cell of a bulk Get result.
type KeyValue struct {
	Name     string
	Key      string
	Value    string
	Error    int32
	ErrorMsg string
}

// Request is the single client → daemon message.
type Request struct {
	Op        Op
	Name      string
	Key       string
	Value     string
	TimeoutMs uint64
	Signal    int32
	Names     []string
	Keys      []string
	Volume    *VolumeSpec
	Tarball   string
	Flags     uint32
}

// Response is the single daemon → client message. Error carries the
// errdefs kind; zero is success.
type Response struct {
	Error     int32
	ErrorMsg  string
	Value     string
	List      []string
	Pairs     []KeyValue
	Volumes   []VolumeInfo
	WaitName  string
	WaitState string
	Version   string
}
