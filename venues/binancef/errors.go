package binancef

import "github.com/perpgate/perpgate/errs"

// venue error envelope: {"code":-2019,"msg":"Margin is insufficient."}
type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newMapper() *errs.Mapper {
	return errs.NewMapper(venueID).
		Code("-1003", errs.KindRateLimit).
		Code("-1021", errs.KindExpiredAuth).
		Code("-1022", errs.KindInvalidSignature).
		Code("-1102", errs.KindInvalidParameter).
		Code("-1111", errs.KindInvalidParameter).
		Code("-1121", errs.KindInvalidSymbol).
		Code("-2010", errs.KindOrderRejected).
		Code("-2011", errs.KindOrderNotFound).
		Code("-2013", errs.KindOrderNotFound).
		Code("-2015", errs.KindInsufficientPermissions).
		Code("-2018", errs.KindInsufficientBalance).
		Code("-2019", errs.KindInsufficientMargin).
		Code("-2021", errs.KindOrderRejected).
		Code("-2022", errs.KindOrderRejected).
		Code("-4028", errs.KindInvalidParameter).
		Code("-4046", errs.KindInvalidParameter).
		Code("-4164", errs.KindMinimumOrderSize).
		Contains("margin is insufficient", errs.KindInsufficientMargin).
		Contains("unknown order", errs.KindOrderNotFound).
		Fallback(errs.KindUnknown)
}
