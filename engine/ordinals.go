package engine

import (
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// stateCheck selects the checks run before a handler.
type stateCheck uint8

const (
	checkEnabled stateCheck = 1 << iota
	checkActivated
	checkOwner
	// allowPostInit admits the command before TPM_Startup.
	allowPostInit

	checkAll = checkEnabled | checkActivated | checkOwner
)

// tagSet is the set of request tags an ordinal accepts.
type tagSet uint8

const (
	tagRqu tagSet = 1 << iota
	tagAuth1
	tagAuth2
)

func (s tagSet) allows(t tpm12.Tag) bool {
	switch t {
	case tpm12.TagRquCommand:
		return s&tagRqu != 0
	case tpm12.TagRquAuth1Command:
		return s&tagAuth1 != 0
	case tpm12.TagRquAuth2Command:
		return s&tagAuth2 != 0
	}
	return false
}

// keyHandlesPotential marks an ordinal whose handle is a key only for some
// resource types.
const keyHandlesPotential = -1

type ordinalEntry struct {
	// inHandleSize and outHandleSize are the byte lengths of the handle
	// areas, which are excluded from parameter digests.
	inHandleSize  int
	outHandleSize int
	// keyHandles is the number of leading input handles that are keys.
	keyHandles int
	wrappable  bool
	// transportAuth is set when the last trailer belongs to a transport
	// session.
	transportAuth bool
	tags          tagSet
	checks        stateCheck
	handler       func(*Engine, *request) (*reply, error)
}

func ordinalTable() map[tpm12.Ordinal]*ordinalEntry {
	return map[tpm12.Ordinal]*ordinalEntry{
		tpm12.OrdOIAP: {
			outHandleSize: 4 + tpm12.NonceSize,
			wrappable:     true,
			tags:          tagRqu,
			handler:       (*Engine).oiap,
		},
		tpm12.OrdOSAP: {
			inHandleSize:  2 + 4 + tpm12.NonceSize,
			outHandleSize: 4 + 2*tpm12.NonceSize,
			wrappable:     true,
			tags:          tagRqu,
			checks:        checkOwner,
			handler:       (*Engine).osap,
		},
		tpm12.OrdTerminateHandle: {
			inHandleSize: 4,
			wrappable:    true,
			tags:         tagRqu,
			handler:      (*Engine).terminateHandle,
		},
		tpm12.OrdFlushSpecific: {
			inHandleSize: 4,
			keyHandles:   keyHandlesPotential,
			wrappable:    true,
			tags:         tagRqu,
			handler:      (*Engine).flushSpecific,
		},
		tpm12.OrdStartup: {
			tags:    tagRqu,
			checks:  allowPostInit,
			handler: (*Engine).startup,
		},
		tpm12.OrdGetRandom: {
			wrappable: true,
			tags:      tagRqu,
			checks:    checkEnabled | checkActivated,
			handler:   (*Engine).getRandom,
		},
		tpm12.OrdGetTicks: {
			wrappable: true,
			tags:      tagRqu,
			handler:   (*Engine).getTicks,
		},
		tpm12.OrdCreateCounter: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).createCounterCmd,
		},
		tpm12.OrdIncrementCounter: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).incrementCounterCmd,
		},
		tpm12.OrdReadCounter: {
			wrappable: true,
			tags:      tagRqu,
			checks:    checkEnabled | checkActivated,
			handler:   (*Engine).readCounterCmd,
		},
		tpm12.OrdReleaseCounter: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).releaseCounterCmd,
		},
		tpm12.OrdReleaseCounterOwner: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).releaseCounterOwnerCmd,
		},
		tpm12.OrdEstablishTransport: {
			inHandleSize:  4,
			outHandleSize: 4,
			keyHandles:    1,
			tags:          tagRqu | tagAuth1,
			checks:        checkAll,
			handler:       (*Engine).establishTransport,
		},
		tpm12.OrdExecuteTransport: {
			transportAuth: true,
			tags:          tagAuth1,
			checks:        checkAll,
			handler:       (*Engine).executeTransport,
		},
		tpm12.OrdReleaseTransportSigned: {
			inHandleSize:  4,
			keyHandles:    1,
			transportAuth: true,
			tags:          tagAuth1 | tagAuth2,
			checks:        checkAll,
			handler:       (*Engine).releaseTransportSigned,
		},
		tpm12.OrdAuthorizeMigrationKey: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).authorizeMigrationKey,
		},
		tpm12.OrdCreateMigrationBlob: {
			inHandleSize: 4,
			keyHandles:   1,
			wrappable:    true,
			tags:         tagAuth1 | tagAuth2,
			checks:       checkAll,
			handler:      (*Engine).createMigrationBlob,
		},
		tpm12.OrdConvertMigrationBlob: {
			inHandleSize: 4,
			keyHandles:   1,
			wrappable:    true,
			tags:         tagRqu | tagAuth1,
			checks:       checkAll,
			handler:      (*Engine).convertMigrationBlob,
		},
		tpm12.OrdCMKApproveMA: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).cmkApproveMA,
		},
		tpm12.OrdCMKCreateTicket: {
			wrappable: true,
			tags:      tagAuth1,
			checks:    checkAll,
			handler:   (*Engine).cmkCreateTicket,
		},
		tpm12.OrdCMKCreateBlob: {
			inHandleSize: 4,
			keyHandles:   1,
			wrappable:    true,
			tags:         tagAuth1,
			checks:       checkAll,
			handler:      (*Engine).cmkCreateBlob,
		},
		tpm12.OrdCMKConvertMigration: {
			inHandleSize: 4,
			keyHandles:   1,
			wrappable:    true,
			tags:         tagAuth1,
			checks:       checkAll,
			handler:      (*Engine).cmkConvertMigration,
		},
	}
}
