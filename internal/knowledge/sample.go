package knowledge

// SampleDocs is a small demo corpus for `tagrouter index --sample`.
func SampleDocs() []Document {
	return []Document{
		{
			ID:     "refund-policy",
			Title:  "Refund Policy",
			Source: "sample",
			Body: `Customers may request a refund within 30 days of delivery for any unused item in its original packaging.

Refunds are issued to the original payment method within 5 to 7 business days after the returned item is received and inspected. Shipping fees are refunded only when the item arrived damaged or the wrong item was sent.

Digital products and gift cards are not eligible for a refund. To start a return, contact support with the order number and the reason for the refund request.`,
		},
		{
			ID:     "shipping",
			Title:  "Shipping Information",
			Source: "sample",
			Body: `Standard shipping takes 3 to 5 business days within the country and is free for orders over 50 dollars. Express shipping delivers in 1 to 2 business days for a flat fee of 15 dollars.

International shipping is available to most countries and usually takes 7 to 14 business days. Customs duties and import taxes are paid by the recipient.

Every order receives a tracking number by email as soon as the parcel leaves the warehouse.`,
		},
		{
			ID:     "support-hours",
			Title:  "Support Hours",
			Source: "sample",
			Body: `The support team is available Monday to Friday from 9:00 to 18:00 and on Saturday from 10:00 to 14:00 local time. Support is closed on Sundays and public holidays.

Chat and email requests received outside support hours are answered on the next working day. Urgent delivery problems can be reported through the order page at any time.`,
		},
	}
}
