//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff returns a backoff starting at base and capped at
// max, without overall elapsed-time limit. Callers bound it themselves
// with WithMaxRetries or a context.
func ExponentialBackoff(base, max time.Duration) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.MaxElapsedTime = 0
	return eb
}

// BoundedBackoff is ExponentialBackoff limited to maxRetries attempts.
func BoundedBackoff(base, max time.Duration, maxRetries int) backoff.BackOff {
	return backoff.WithMaxRetries(ExponentialBackoff(base, max), uint64(maxRetries))
}
