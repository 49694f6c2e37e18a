package supernode

import "errors"

var (
	ErrEdgeSocketInit = errors.New("supernode: failed to bind edge socket")
	ErrMgmtSocketInit = errors.New("supernode: failed to bind management socket")
	ErrSNMSocketInit  = errors.New("supernode: failed to bind SNM socket")
	ErrStateDirInit   = errors.New("supernode: failed to prepare state directory")
)
