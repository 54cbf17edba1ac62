package proto

var opNames = map[Op]string{
	OpNop:                  "NOP",
	OpDebugTest:            "DEBUG_TEST",
	OpPut:                  "PUT",
	OpGet:                  "GET",
	OpP:                    "P",
	OpG:                    "G",
	OpIPut:                 "IPUT",
	OpIGet:                 "IGET",
	OpIBPut:                "IBPUT",
	OpIBGet:                "IBGET",
	OpPutNbi:               "PUT_NBI",
	OpGetNbi:               "GET_NBI",
	OpIPutNbi:              "IPUT_NBI",
	OpIGetNbi:              "IGET_NBI",
	OpAtomicFetch:          "AMO_FETCH",
	OpAtomicSet:            "AMO_SET",
	OpAtomicSwap:           "AMO_SWAP",
	OpAtomicCompareSwap:    "AMO_COMPARE_SWAP",
	OpAtomicInc:            "AMO_INC",
	OpAtomicAdd:            "AMO_ADD",
	OpAtomicAnd:            "AMO_AND",
	OpAtomicOr:             "AMO_OR",
	OpAtomicXor:            "AMO_XOR",
	OpAtomicFetchInc:       "AMO_FETCH_INC",
	OpAtomicFetchAdd:       "AMO_FETCH_ADD",
	OpAtomicFetchAnd:       "AMO_FETCH_AND",
	OpAtomicFetchOr:        "AMO_FETCH_OR",
	OpAtomicFetchXor:       "AMO_FETCH_XOR",
	OpAtomicCompareSwapNbi: "AMO_COMPARE_SWAP_NBI",
	OpAtomicFetchNbi:       "AMO_FETCH_NBI",
	OpAtomicSwapNbi:        "AMO_SWAP_NBI",
	OpAtomicFetchIncNbi:    "AMO_FETCH_INC_NBI",
	OpAtomicFetchAddNbi:    "AMO_FETCH_ADD_NBI",
	OpAtomicFetchAndNbi:    "AMO_FETCH_AND_NBI",
	OpAtomicFetchOrNbi:     "AMO_FETCH_OR_NBI",
	OpAtomicFetchXorNbi:    "AMO_FETCH_XOR_NBI",
	OpPutSignal:            "PUT_SIGNAL",
	OpPutSignalNbi:         "PUT_SIGNAL_NBI",
	OpSignalFetch:          "SIGNAL_FETCH",
	OpSignalAdd:            "SIGNAL_ADD",
	OpSignalSet:            "SIGNAL_SET",
	OpSignalWaitUntil:      "SIGNAL_WAIT_UNTIL",
	OpBarrier:              "BARRIER",
	OpSync:                 "SYNC",
	OpFence:                "FENCE",
	OpQuiet:                "QUIET",
	OpWaitUntil:            "WAIT_UNTIL",
	OpWaitUntilAll:         "WAIT_UNTIL_ALL",
	OpWaitUntilAny:         "WAIT_UNTIL_ANY",
	OpWaitUntilSome:        "WAIT_UNTIL_SOME",
	OpTest:                 "TEST",
	OpAllToAll:             "ALLTOALL",
	OpBcast:                "BCAST",
	OpCollect:              "COLLECT",
	OpFcollect:             "FCOLLECT",
	OpAndReduce:            "AND_REDUCE",
	OpOrReduce:             "OR_REDUCE",
	OpXorReduce:            "XOR_REDUCE",
	OpMaxReduce:            "MAX_REDUCE",
	OpMinReduce:            "MIN_REDUCE",
	OpSumReduce:            "SUM_REDUCE",
	OpProdReduce:           "PROD_REDUCE",
	OpInscan:               "INSCAN",
	OpExscan:               "EXSCAN",
	OpTeamSync:             "TEAM_SYNC",
	OpTeamSplitStrided:     "TEAM_SPLIT_STRIDED",
	OpTeamDestroy:          "TEAM_DESTROY",
	OpKill:                 "KILL",
	OpPrint:                "PRINT",
}

// String returns the symbolic name used in logs and diagnostics.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "UNKNOWN_OP"
}

var typeNames = map[Type]string{
	TypeMem:       "MEM",
	TypeUint8:     "UINT8",
	TypeUint16:    "UINT16",
	TypeUint32:    "UINT32",
	TypeUint64:    "UINT64",
	TypeInt8:      "INT8",
	TypeInt16:     "INT16",
	TypeInt32:     "INT32",
	TypeInt64:     "INT64",
	TypeLongLong:  "LONGLONG",
	TypeULongLong: "ULONGLONG",
	TypeFloat:     "FLOAT",
	TypeDouble:    "DOUBLE",
	TypeSize:      "SIZE",
	TypePtrdiff:   "PTRDIFF",
	TypeSize8:     "SIZE8",
	TypeSize16:    "SIZE16",
	TypeSize32:    "SIZE32",
	TypeSize64:    "SIZE64",
	TypeSize128:   "SIZE128",
}

// String returns the symbolic name used in logs and diagnostics.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN_TYPE"
}
