package circ

import "context"

// CallWithAuthRetry implements the bearer-token refresh-on-401 policy shared
// by every adapter: the call runs once against the cached token; if the vendor
// reports an authorization failure the token is refreshed (forceRefresh=true)
// and the call retried exactly once. A second authorization failure propagates
// as a typed server error. No call is retried more than once automatically.
func CallWithAuthRetry(ctx context.Context, vendor string, call func(ctx context.Context, forceRefresh bool) error) error {
	err := call(ctx, false)
	if err == nil || !IsKind(err, KindVendorAuth) {
		return err
	}

	err = call(ctx, true)
	if err != nil && IsKind(err, KindVendorAuth) {
		return NewError(KindVendorAuth, vendor, "credentials rejected after token refresh", err)
	}
	return err
}
