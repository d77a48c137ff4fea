package objstream

const (
	streamMagic   = uint16(0xaced)
	streamVersion = uint16(5)
	headerSize    = 4
)

const (
	tcBase           = 0x70
	tcNull           = 0x70
	tcReference      = 0x71
	tcClassDesc      = 0x72
	tcObject         = 0x73
	tcString         = 0x74
	tcArray          = 0x75
	tcClass          = 0x76
	tcBlockData      = 0x77
	tcEndBlockData   = 0x78
	tcReset          = 0x79
	tcBlockDataLong  = 0x7a
	tcException      = 0x7b
	tcLongString     = 0x7c
	tcProxyClassDesc = 0x7d
	tcMax            = 0x7d
)

// baseWireHandle is added to every handle before it goes on the wire.
const baseWireHandle = 0x7e0000

// descriptor flag bits
const (
	scWriteMethod    = 0x01
	scSerializable   = 0x02
	scExternalizable = 0x04
	scBlockData      = 0x08
)

const (
	blockBufSize   = 1024
	maxBlockHeader = 255
	maxShortUTF    = 0xffff
)

// DefaultMaxDepth bounds graph nesting when an Encoder or Decoder has no
// explicit MaxDepth.
const DefaultMaxDepth = 10000

// DefaultMaxArrayLength bounds the length of arrays and long strings read
// by a Decoder with no explicit MaxArrayLength.
const DefaultMaxArrayLength = 1 << 26
